package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/cmd/replicad/launcher"
	"github.com/dirsrv/replication/http"
	"github.com/dirsrv/replication/kit/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ctlFlags are shared by the commands talking to a running server.
type ctlFlags struct {
	host       string
	token      string
	skipVerify bool
	json       bool
	timeout    time.Duration
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("REPLICAD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

func (f *ctlFlags) bind(cmd *cobra.Command, extra ...cli.Opt) error {
	opts := append([]cli.Opt{
		{DestP: &f.host, Flag: "host", Default: "http://localhost:8389", Desc: "URL of the replicad server"},
		{DestP: &f.token, Flag: "token", Short: 't', Desc: "admin token"},
		{DestP: &f.skipVerify, Flag: "skip-verify", Desc: "skip TLS certificate verification"},
		{DestP: &f.json, Flag: "json", Desc: "print JSON instead of text"},
		{DestP: &f.timeout, Flag: "timeout", Default: 30 * time.Second, Desc: "request timeout"},
	}, extra...)
	cmd.SilenceUsage = true
	return cli.BindOptions(newViper(), cmd, opts)
}

func (f *ctlFlags) client() (*http.Client, error) {
	var opts []http.ClientOptFn
	if f.token != "" {
		opts = append(opts, http.WithAuthToken(f.token))
	}
	if f.skipVerify {
		opts = append(opts, http.WithHTTPClient(http.NewHTTPClient("https", &tls.Config{InsecureSkipVerify: true})))
	}
	return http.NewClient(f.host, opts...)
}

func (f *ctlFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}

func (f *ctlFlags) printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCtlCommands() ([]*cobra.Command, error) {
	ctors := []func() (*cobra.Command, error){
		newStatusCommand,
		newCleanAllRUVCommand,
		newAbortCleanAllRUVCommand,
		newTasksCommand,
		newInitCommand,
		newPromoteCommand,
		newDemoteCommand,
	}
	cmds := make([]*cobra.Command, 0, len(ctors))
	for _, ctor := range ctors {
		cmd, err := ctor()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func newStatusCommand() (*cobra.Command, error) {
	var f ctlFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the replication topology of a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			if f.json {
				reports, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return f.printJSON(cmd.OutOrStdout(), reports)
			}
			tree, err := c.StatusTree(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), tree)
			return err
		},
	}
	return cmd, f.bind(cmd)
}

func newCleanAllRUVCommand() (*cobra.Command, error) {
	var (
		f       ctlFlags
		req     replication.CleanRequest
		rid     int
		wait    bool
		every   time.Duration
		maxWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanallruv",
		Short: "Remove a retired replica id from the RUVs of every replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.ReplicaID = replication.ReplicaID(rid)
			if err := req.OK(); err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			st, err := c.CleanAllRUV(ctx, req)
			if err != nil {
				return err
			}
			if wait {
				wctx, wcancel := context.WithTimeout(context.Background(), maxWait)
				defer wcancel()
				if st, err = c.WaitTask(wctx, st.ID, every); err != nil {
					return err
				}
			}
			return printTasks(cmd.OutOrStdout(), &f, []replication.TaskStatus{*st})
		},
	}
	return cmd, f.bind(cmd,
		cli.Opt{DestP: &req.Suffix, Flag: "suffix", Short: 's', Desc: "replicated suffix", Required: true},
		cli.Opt{DestP: &rid, Flag: "replica-id", Desc: "replica id to clean", Required: true},
		cli.Opt{DestP: &req.Force, Flag: "force", Desc: "clean even if replicas have not caught up with the retired id"},
		cli.Opt{DestP: &wait, Flag: "wait", Desc: "wait for the task to finish"},
		cli.Opt{DestP: &every, Flag: "poll-interval", Default: time.Second, Desc: "how often to poll the task while waiting"},
		cli.Opt{DestP: &maxWait, Flag: "max-wait", Default: time.Hour, Desc: "how long to wait for the task"},
	)
}

func newAbortCleanAllRUVCommand() (*cobra.Command, error) {
	var (
		f   ctlFlags
		req replication.AbortRequest
		rid int
	)
	cmd := &cobra.Command{
		Use:   "abort-cleanallruv",
		Short: "Abort a running cleanallruv task on every replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.ReplicaID = replication.ReplicaID(rid)
			if err := req.OK(); err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			st, err := c.AbortCleanAllRUV(ctx, req)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), &f, []replication.TaskStatus{*st})
		},
	}
	return cmd, f.bind(cmd,
		cli.Opt{DestP: &req.Suffix, Flag: "suffix", Short: 's', Desc: "replicated suffix", Required: true},
		cli.Opt{DestP: &rid, Flag: "replica-id", Desc: "replica id whose cleaning to abort", Required: true},
		cli.Opt{DestP: &req.Certify, Flag: "certify", Desc: "wait until every replica confirmed the abort"},
	)
}

func newTasksCommand() (*cobra.Command, error) {
	var f ctlFlags
	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List cleanallruv tasks, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			if len(args) == 1 {
				st, err := c.Task(ctx, args[0])
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), &f, []replication.TaskStatus{*st})
			}
			tasks, err := c.Tasks(ctx)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), &f, tasks)
		},
	}
	return cmd, f.bind(cmd)
}

func printTasks(w io.Writer, f *ctlFlags, tasks []replication.TaskStatus) error {
	if f.json {
		return f.printJSON(w, tasks)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSUFFIX\tREPLICA ID\tSTATE\tCONFIRMED\tPENDING\tMESSAGE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Kind, t.Suffix, t.ReplicaID, t.State,
			strings.Join(t.Confirmed, ","), strings.Join(t.Pending, ","), t.Message)
	}
	return tw.Flush()
}

func newInitCommand() (*cobra.Command, error) {
	var (
		f      ctlFlags
		suffix string
	)
	cmd := &cobra.Command{
		Use:   "init <agreement>",
		Short: "Totally initialize the consumer of an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			if err := c.InitializeAgreement(ctx, suffix, args[0]); err != nil {
				return err
			}
			st, err := c.AgreementStatus(ctx, suffix, args[0])
			if err != nil {
				return err
			}
			if f.json {
				return f.printJSON(cmd.OutOrStdout(), st)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: total init %s\n", args[0], st.InitStatus)
			return err
		},
	}
	return cmd, f.bind(cmd,
		cli.Opt{DestP: &suffix, Flag: "suffix", Short: 's', Desc: "replicated suffix", Required: true},
	)
}

func newPromoteCommand() (*cobra.Command, error) {
	var (
		f      ctlFlags
		suffix string
		role   string
		rid    int
	)
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a consumer to hub, or a hub to supplier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := replication.ParseRole(role)
			if err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			id, err := c.Promote(ctx, suffix, r, replication.ReplicaID(rid))
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), &f, id)
		},
	}
	return cmd, f.bind(cmd,
		cli.Opt{DestP: &suffix, Flag: "suffix", Short: 's', Desc: "replicated suffix", Required: true},
		cli.Opt{DestP: &role, Flag: "role", Default: "supplier", Desc: "new role, hub or supplier"},
		cli.Opt{DestP: &rid, Flag: "replica-id", Desc: "replica id of the new supplier"},
	)
}

func newDemoteCommand() (*cobra.Command, error) {
	var (
		f      ctlFlags
		suffix string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "demote",
		Short: "Demote a supplier to hub or consumer, or a hub to consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := replication.ParseRole(role)
			if err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			ctx, cancel := f.context()
			defer cancel()
			id, err := c.Demote(ctx, suffix, r)
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), &f, id)
		},
	}
	return cmd, f.bind(cmd,
		cli.Opt{DestP: &suffix, Flag: "suffix", Short: 's', Desc: "replicated suffix", Required: true},
		cli.Opt{DestP: &role, Flag: "role", Default: "consumer", Desc: "new role, hub or consumer"},
	)
}

func printIdentity(w io.Writer, f *ctlFlags, id *replication.Identity) error {
	if f.json {
		return f.printJSON(w, id)
	}
	_, err := fmt.Fprintf(w, "%s is now a %s with replica id %d\n", id.Suffix, id.Role, id.ID)
	return err
}

func newPrintConfigCommand() *cobra.Command {
	var (
		path   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "print-config",
		Short: "Print the config replicad would run with, secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := launcher.LoadConfig(path, os.Getenv)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg.Redacted(), format)
		},
	}
	cmd.SilenceUsage = true
	cmd.Flags().StringVarP(&path, "config", "c", os.Getenv("REPLICAD_CONFIG"), "path to the TOML config file")
	cmd.Flags().StringVar(&format, "format", "toml", "output format, toml or yaml")
	return cmd
}
