package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contract-ledger/broker/pkg/matrix"
)

func newMatrixCmd() *cobra.Command {
	var selectors []string
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Show verification results between pacticipant versions",
		Example: `  brokerctl matrix -q Foo@1.2.0 -q Bar@latest
  brokerctl matrix -q Foo#prod -q Bar`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := fetchMatrix(selectors)
			if err != nil {
				return err
			}
			return printMatrix(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringArrayVarP(&selectors, "pacticipant", "q", nil, "Selector: Name, Name@version, Name@latest or Name#tag (repeatable)")
	_ = cmd.MarkFlagRequired("pacticipant")
	return cmd
}

func newCanIDeployCmd() *cobra.Command {
	var selectors []string
	cmd := &cobra.Command{
		Use:   "can-i-deploy",
		Short: "Exit 0 if every selected combination has a successful verification",
		Example: `  brokerctl can-i-deploy -q Foo@1.2.0 -q Bar#prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := fetchMatrix(selectors)
			if err != nil {
				return err
			}
			if err := printMatrix(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if outputFmt == "table" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nComputer says %s: %s\n", verdict(result.Summary), result.Summary.Reason)
			}
			if result.Summary.Deployable == nil || !*result.Summary.Deployable {
				return errNotDeployable
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&selectors, "pacticipant", "q", nil, "Selector: Name, Name@version, Name@latest or Name#tag (repeatable)")
	_ = cmd.MarkFlagRequired("pacticipant")
	return cmd
}

func fetchMatrix(selectors []string) (*matrix.Result, error) {
	query := url.Values{}
	for _, raw := range selectors {
		if _, err := matrix.ParseSelector(raw); err != nil {
			return nil, err
		}
		query.Add("q", raw)
	}
	var result matrix.Result
	if err := client.getJSON("/matrix?"+query.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printMatrix(w io.Writer, result *matrix.Result) error {
	if handled, err := printStructured(w, result); handled {
		return err
	}

	rows := make([][]string, 0, len(result.Rows))
	for _, r := range result.Rows {
		number := "-"
		if r.VerificationNumber > 0 {
			number = strconv.FormatInt(r.VerificationNumber, 10)
		}
		rows = append(rows, []string{
			r.Consumer,
			truncate(r.ConsumerVersion, 24),
			orDash(strings.Join(r.ConsumerTags, ",")),
			r.Provider,
			truncate(orDash(r.ProviderVersion), 24),
			orDash(strings.Join(r.ProviderTags, ",")),
			strconv.Itoa(r.PactRevision),
			number,
			r.Status,
		})
	}
	printTable(w, []string{"consumer", "c.version", "c.tags", "provider", "p.version", "p.tags", "revision", "verification", "status"}, rows)

	for _, n := range result.Notices {
		fmt.Fprintf(w, "notice: %s: %s\n", n.Selector, n.Message)
	}
	return nil
}

func verdict(s matrix.Summary) string {
	switch {
	case s.Deployable == nil:
		return "unknown"
	case *s.Deployable:
		return "yes"
	default:
		return "no"
	}
}
