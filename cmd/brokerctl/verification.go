package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/contract-ledger/broker/pkg/broker"
	"github.com/contract-ledger/broker/pkg/matrix"
)

func newLatestVerificationCmd() *cobra.Command {
	var provider, tag, providerTag string
	cmd := &cobra.Command{
		Use:   "latest-verification CONSUMER",
		Short: "Show the latest verification of a consumer's pacts",
		Long: `Show the latest verification of the pacts published by the newest consumer
version matching the filters. Use --tag untagged to consider only versions
without tags. With --provider-tag the provider must be given and only
provider versions carrying that tag count.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := latestVerificationPath(args[0], provider, tag, providerTag)
			if err != nil {
				return err
			}
			var res broker.Resolution
			err = client.getJSON(path, &res)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return printUnknown(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			return printResolution(cmd.OutOrStdout(), &res)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only consider pacts with this provider")
	cmd.Flags().StringVar(&tag, "tag", "", "Consumer tag, or \"untagged\"")
	cmd.Flags().StringVar(&providerTag, "provider-tag", "", "Only consider provider versions with this tag")
	return cmd
}

func latestVerificationPath(consumer, provider, tag, providerTag string) (string, error) {
	if providerTag != "" {
		if provider == "" {
			return "", fmt.Errorf("--provider-tag requires --provider")
		}
		query := url.Values{}
		if tag != "" {
			query.Set("consumerTag", tag)
		}
		query.Set("providerTag", providerTag)
		return escape("verification-results", "consumer", consumer, "provider", provider, "latest-for-tags") +
			"?" + query.Encode(), nil
	}

	query := url.Values{}
	if provider != "" {
		query.Set("provider", provider)
	}
	if tag != "" {
		query.Set("tag", tag)
	}
	path := escape("verification-results", "consumer", consumer, "latest")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return path, nil
}

func printResolution(w io.Writer, res *broker.Resolution) error {
	if handled, err := printStructured(w, res); handled {
		return err
	}
	printTable(w,
		[]string{"consumer", "c.version", "provider", "p.version", "revision", "verification", "verified at", "status"},
		[][]string{{
			res.Consumer,
			res.ConsumerVersion,
			res.Provider,
			res.ProviderVersion,
			strconv.Itoa(res.PactRevision),
			strconv.FormatInt(res.Verification.Number, 10),
			res.Verification.ExecutionDate.UTC().Format(time.RFC3339),
			res.Status,
		}})
	return nil
}

func printUnknown(w io.Writer) error {
	unknown := map[string]string{"status": matrix.StatusUnknown}
	if handled, err := printStructured(w, unknown); handled {
		return err
	}
	fmt.Fprintln(w, "No matching verification: status unknown")
	return nil
}
