package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage version tags",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add PACTICIPANT VERSION TAG",
		Short: "Tag a version, creating the version if needed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.sendJSON(http.MethodPut, tagPath(args[0], args[1], args[2]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tagged %s %s as %s\n", args[0], args[1], args[2])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove PACTICIPANT VERSION TAG",
		Short: "Remove a tag from a version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.sendJSON(http.MethodDelete, tagPath(args[0], args[1], args[2]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed tag %s from %s %s\n", args[2], args[0], args[1])
			return nil
		},
	})
	return cmd
}

func tagPath(pacticipant, version, tag string) string {
	return escape("pacticipants", pacticipant, "versions", version, "tags", tag)
}

// versionInfo mirrors the server's version response.
type versionInfo struct {
	Pacticipant string `json:"pacticipant"`
	Number      string `json:"number"`
	Order       int    `json:"order"`
	CreatedAt   string `json:"createdAt"`
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Manage pacticipant versions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create PACTICIPANT VERSION",
		Short: "Create a version, or show it if it exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v versionInfo
			path := escape("pacticipants", args[0], "versions", args[1])
			if err := client.sendJSON(http.MethodPut, path, &v); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if handled, err := printStructured(w, v); handled {
				return err
			}
			printTable(w, []string{"pacticipant", "version", "order", "created"},
				[][]string{{v.Pacticipant, v.Number, fmt.Sprint(v.Order), v.CreatedAt}})
			return nil
		},
	})
	return cmd
}
