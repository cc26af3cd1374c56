package app

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/agrolink-io/agrolink/internal/commandlog"
)

func newSendCommand(opts *ctlOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:     "send <device> <command>",
		Short:   "Append a command for a device",
		Example: "  agl-ctl send pump on",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, command := normalize(args[0]), normalize(args[1])
			if device == "" || command == "" {
				return fmt.Errorf("device and command must not be empty")
			}

			var issuedAt time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				issuedAt = t
			}

			ctx, cancel := opts.context()
			defer cancel()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Append(ctx, device, command, issuedAt)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), *rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Issue time in RFC 3339. Defaults to now.")
	return cmd
}

func newUpdateCommand(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <command>",
		Short: "Rewrite the command of an existing record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("id must be a positive integer, got %q", args[0])
			}
			command := normalize(args[1])
			if command == "" {
				return fmt.Errorf("command must not be empty")
			}

			ctx, cancel := opts.context()
			defer cancel()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Update(ctx, id, command)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), *rec)
			return nil
		},
	}
}

func newLatestCommand(opts *ctlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "latest [device...]",
		Short: "Show the current command of devices, all known devices by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			devices := make([]string, 0, len(args))
			for _, a := range args {
				devices = append(devices, normalize(a))
			}
			if len(devices) == 0 {
				if devices, err = store.Devices(ctx); err != nil {
					return err
				}
			}

			var recs []commandlog.Record
			for _, d := range devices {
				rec, err := store.Latest(ctx, d)
				if err != nil {
					return err
				}
				if rec == nil {
					recs = append(recs, commandlog.Record{DeviceID: d})
					continue
				}
				recs = append(recs, *rec)
			}
			printRecords(cmd.OutOrStdout(), recs...)
			return nil
		},
	}
}

func newHistoryCommand(opts *ctlOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <device>",
		Short: "List the commands of a device, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.History(ctx, normalize(args[0]), limit)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs...)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", commandlog.DefaultHistoryLimit, "Maximum number of records to show.")
	return cmd
}

// printRecords writes one row per record. A record with ID 0 is a device
// with no command yet.
func printRecords(w io.Writer, recs ...commandlog.Record) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "DEVICE", "COMMAND", "ISSUED AT")
	for _, r := range recs {
		if r.ID == 0 {
			table.AddRow("-", r.DeviceID, "<none>", "-")
			continue
		}
		table.AddRow(r.ID, r.DeviceID, r.Command, r.IssuedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintln(w, table)
}
