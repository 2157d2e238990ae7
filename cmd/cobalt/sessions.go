package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/technocode/Cobalt/pkg/store"
)

func sessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted sessions",
	}
	cmd.AddCommand(sessionsListCmd(flags), sessionsDeleteCmd(flags))
	return cmd
}

func sessionsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the sessions of the client type",
		RunE: func(cmd *cobra.Command, args []string) error {
			serializer, clientType, err := flags.openStorage()
			if err != nil {
				return err
			}
			defer serializer.Close()
			return listSessions(cmd.Context(), serializer, clientType)
		},
	}
}

func listSessions(ctx context.Context, serializer store.Serializer, clientType store.ClientType) error {
	stores, err := store.ListSessions(ctx, serializer, clientType)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tPHONE\tALIASES\tREGISTERED")
	for _, st := range stores {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", st.UUID, st.PhoneNumber, strings.Join(st.Aliases, ","), st.IsRegistered())
	}
	return w.Flush()
}

func sessionsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uuid|phone|alias>",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serializer, clientType, err := flags.openStorage()
			if err != nil {
				return err
			}
			defer serializer.Close()
			key := parseSessionKey(clientType, args[0])
			if err := serializer.Delete(cmd.Context(), key); err != nil {
				return fmt.Errorf("delete session %s: %w", key, err)
			}
			fmt.Printf("Deleted %s\n", key)
			return nil
		},
	}
}

func (f *globalFlags) openStorage() (serializerCloser, store.ClientType, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, "", err
	}
	clientType, err := f.clientType()
	if err != nil {
		return nil, "", err
	}
	serializer, err := openSerializer(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("open session storage: %w", err)
	}
	return serializer, clientType, nil
}
