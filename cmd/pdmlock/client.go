package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/client"
	"github.com/pixperk/pdmlock/pkg/types"
)

var (
	acquireReason string
	releaseForce  bool
	locksOutput   string
	callTimeout   time.Duration
)

var acquireCmd = &cobra.Command{
	Use:   "acquire <resource>",
	Short: "Lock a resource for editing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			lock, err := c.Acquire(ctx, args[0], acquireReason)
			if err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s as %s\n", lock.ResourceID, lock.Holder)
			return nil
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release a lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Release(ctx, args[0], releaseForce); err != nil {
				return userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		})
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List current locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			table, rev, err := c.ListLocks(ctx)
			if err != nil {
				return userError(err)
			}
			return printLocks(cmd, table, rev)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print lock and presence events",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	acquireCmd.Flags().StringVarP(&acquireReason, "reason", "r", "", "Why the resource is being locked")
	releaseCmd.Flags().BoolVar(&releaseForce, "force", false, "Release a lock held by someone else (privileged)")
	locksCmd.Flags().StringVarP(&locksOutput, "output", "o", "table", "Output format: table, json")

	for _, c := range []*cobra.Command{acquireCmd, releaseCmd, locksCmd} {
		c.Flags().DurationVar(&callTimeout, "timeout", 2*time.Minute, "Give up after this long")
	}
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.NewClient(cfg.Client, logger)
	if err != nil {
		return userError(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

// userError strips the error down to what the end user should read
func userError(err error) error {
	return errors.New(types.UserMessage(err))
}

func printLocks(cmd *cobra.Command, table types.LockTable, rev string) error {
	out := cmd.OutOrStdout()
	switch locksOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"revision": rev, "locks": table.Locks()})
	case "table":
		if len(table) == 0 {
			fmt.Fprintln(out, "no locks held")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tHOLDER\tSINCE\tREASON")
		for _, l := range table.Locks() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ResourceID, l.Holder, l.AcquiredAt.Local().Format(time.DateTime), l.Reason)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format %q", locksOutput)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.NewClient(cfg.Client, logger)
	if err != nil {
		return userError(err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	sess := c.NewSession(func(st client.State) {
		logger.Info("session state", zap.Stringer("state", st))
	})
	sess.Start(ctx)
	defer sess.Close()

	for ev := range sess.Events() {
		ts := ev.Timestamp.Local().Format(time.TimeOnly)
		switch ev.Type {
		case types.EventResourceLocked:
			fmt.Fprintf(out, "%s  locked    %s by %s %s\n", ts, ev.ResourceID, ev.Holder, ev.Reason)
		case types.EventResourceUnlocked:
			if ev.Forced {
				fmt.Fprintf(out, "%s  unlocked  %s (forced by %s, held by %s)\n", ts, ev.ResourceID, ev.Actor, ev.Holder)
			} else {
				fmt.Fprintf(out, "%s  unlocked  %s by %s\n", ts, ev.ResourceID, ev.Actor)
			}
		case types.EventPeerConnected:
			fmt.Fprintf(out, "%s  online    %s\n", ts, ev.Identity)
		case types.EventPeerDisconnected:
			fmt.Fprintf(out, "%s  offline   %s\n", ts, ev.Identity)
		case types.EventPresenceSnapshot:
			fmt.Fprintf(out, "%s  synced    %d locks, %d peers online\n", ts, len(sess.Locks()), len(sess.Peers()))
		}
	}
	return nil
}
