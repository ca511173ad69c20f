package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/nameserver/internal/cluster"
)

// Failure prefixes printed before the nameserver's message.
const (
	failCreate       = "Fail to create table. error msg: "
	failDrop         = "Fail to drop table. error msg: "
	failMakeSnapshot = "Fail to makesnapshot. error msg:"
	failMigrate      = "failed to migrate partition. error msg: "
	failChangeLeader = "failed to change leader. error msg: "
	failAddReplica   = "Fail to addreplica. error msg: "
	failDelReplica   = "Fail to delreplica. error msg: "
	failConfSet      = "set failed. error msg: "
	failConfGet      = "get failed. error msg: "
	failShowTable    = "Fail to showtable. error msg: "
	failShowOpStatus = "Fail to showopstatus. error msg: "
	failCancelOp     = "Fail to cancelop. error msg: "
	failDeregister   = "Fail to deregister. error msg: "
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "nsclient",
		Usage: "administer tables, partitions and replicas through the nameserver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Aliases: []string{"e"},
				Usage:   "nameserver address",
				Sources: cli.EnvVars("NSCLIENT_ENDPOINT"),
				Value:   "127.0.0.1:9620",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "how long to wait for a command to finish",
				Sources: cli.EnvVars("NSCLIENT_TIMEOUT"),
				Value:   5 * time.Minute,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "create a table from a metadata file",
				ArgsUsage: "<metadata file>",
				Action: withArgs(1, func(ctx context.Context, c *client, args []string) {
					data, err := os.ReadFile(args[0])
					if err != nil {
						c.fail(failCreate, err)
						return
					}
					resp, err := c.admin.CreateTable(ctx, string(data))
					c.reply(failCreate, resp.Msg, err)
				}),
			},
			{
				Name:      "droptable",
				Usage:     "drop a table",
				ArgsUsage: "<table>",
				Action: withArgs(1, func(ctx context.Context, c *client, args []string) {
					resp, err := c.admin.DropTable(ctx, args[0])
					c.reply(failDrop, resp.Msg, err)
				}),
			},
			{
				Name:      "makesnapshot",
				Usage:     "snapshot one partition on its leader",
				ArgsUsage: "<table> <pid>",
				Action: withArgs(2, func(ctx context.Context, c *client, args []string) {
					pid, err := parsePID(args[1])
					if err != nil {
						c.fail(failMakeSnapshot, err)
						return
					}
					resp, err := c.admin.MakeSnapshot(ctx, args[0], pid)
					c.reply(failMakeSnapshot, resp.Msg, err)
				}),
			},
			{
				Name:      "migrate",
				Usage:     "move follower replicas from one endpoint to another",
				ArgsUsage: "<src_endpoint> <table> <pid_group> <des_endpoint>",
				Action: withArgs(4, func(ctx context.Context, c *client, args []string) {
					resp, err := c.admin.Migrate(ctx, cluster.MigrateRequest{
						Src: args[0], Name: args[1], PidGroup: args[2], Des: args[3],
					})
					c.reply(failMigrate, resp.Msg, err)
				}),
			},
			{
				Name:      "changeleader",
				Usage:     "promote a follower of one partition",
				ArgsUsage: "<table> <pid> [candidate]",
				Action: withArgs(2, func(ctx context.Context, c *client, args []string) {
					pid, err := parsePID(args[1])
					if err != nil {
						c.fail(failChangeLeader, err)
						return
					}
					var candidate string
					if len(args) > 2 {
						candidate = args[2]
					}
					resp, err := c.admin.ChangeLeader(ctx, args[0], pid, candidate)
					c.reply(failChangeLeader, resp.Msg, err)
				}),
			},
			{
				Name:      "addreplica",
				Usage:     "add follower replicas on an endpoint",
				ArgsUsage: "<table> <pid_group> <endpoint>",
				Action: withArgs(3, func(ctx context.Context, c *client, args []string) {
					resp, err := c.admin.AddReplica(ctx, args[0], args[1], args[2])
					c.reply(failAddReplica, resp.Msg, err)
				}),
			},
			{
				Name:      "delreplica",
				Usage:     "remove the follower replica of one partition",
				ArgsUsage: "<table> <pid> <endpoint>",
				Action: withArgs(3, func(ctx context.Context, c *client, args []string) {
					pid, err := parsePID(args[1])
					if err != nil {
						c.fail(failDelReplica, err)
						return
					}
					resp, err := c.admin.DelReplica(ctx, args[0], pid, args[2])
					c.reply(failDelReplica, resp.Msg, err)
				}),
			},
			{
				Name:      "confset",
				Usage:     "set a runtime flag",
				ArgsUsage: "<key> <value>",
				Action: withArgs(2, func(ctx context.Context, c *client, args []string) {
					resp, err := c.admin.ConfSet(ctx, args[0], args[1])
					c.reply(failConfSet, resp.Msg, err)
				}),
			},
			{
				Name:      "confget",
				Usage:     "show runtime flags",
				ArgsUsage: "[key]",
				Action: withArgs(0, func(ctx context.Context, c *client, args []string) {
					var key string
					if len(args) > 0 {
						key = args[0]
					}
					resp, err := c.admin.ConfGet(ctx, key)
					if err != nil {
						c.fail(failConfGet, err)
						return
					}
					c.confTable(resp.Conf)
				}),
			},
			{
				Name:      "showtable",
				Usage:     "show every replica of every table, or of one table",
				ArgsUsage: "[table]",
				Action: withArgs(0, func(ctx context.Context, c *client, args []string) {
					var name string
					if len(args) > 0 {
						name = args[0]
					}
					resp, err := c.admin.ShowTable(ctx, name)
					if err != nil {
						c.fail(failShowTable, err)
						return
					}
					c.tableRows(resp.Rows)
				}),
			},
			{
				Name:      "showopstatus",
				Usage:     "show op history, optionally for one table and pid",
				ArgsUsage: "[table] [pid]",
				Action: withArgs(0, func(ctx context.Context, c *client, args []string) {
					var name string
					pid := int64(-1)
					if len(args) > 0 {
						name = args[0]
					}
					if len(args) > 1 {
						p, err := parsePID(args[1])
						if err != nil {
							c.fail(failShowOpStatus, err)
							return
						}
						pid = int64(p)
					}
					resp, err := c.admin.ShowOpStatus(ctx, name, pid)
					if err != nil {
						c.fail(failShowOpStatus, err)
						return
					}
					c.opRows(resp.Ops)
				}),
			},
			{
				Name:      "cancelop",
				Usage:     "cancel a pending or running op",
				ArgsUsage: "<op_id>",
				Action: withArgs(1, func(ctx context.Context, c *client, args []string) {
					id, err := strconv.ParseUint(args[0], 10, 64)
					if err != nil {
						c.fail(failCancelOp, errors.New("format error"))
						return
					}
					resp, err := c.admin.CancelOp(ctx, id)
					c.reply(failCancelOp, resp.Msg, err)
				}),
			},
			{
				Name:      "deregister",
				Usage:     "stop monitoring a tablet that hosts no replicas",
				ArgsUsage: "<endpoint>",
				Action: withArgs(1, func(ctx context.Context, c *client, args []string) {
					resp, err := c.admin.Deregister(ctx, args[0])
					c.reply(failDeregister, resp.Msg, err)
				}),
			},
		},
	}
}

// client pairs the admin API with the command's output.
type client struct {
	admin *cluster.AdminClient
	out   io.Writer
}

// withArgs builds an action that requires at least n positional arguments.
func withArgs(n int, fn func(ctx context.Context, c *client, args []string)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		args := cmd.Args().Slice()
		if len(args) < n {
			return fmt.Errorf("%s: expected %s", cmd.Name, cmd.ArgsUsage)
		}
		root := cmd.Root()
		ctx, cancel := context.WithTimeout(ctx, root.Duration("timeout"))
		defer cancel()
		fn(ctx, &client{admin: cluster.NewAdminClient(root.String("endpoint")), out: root.Writer}, args)
		return nil
	}
}

func parsePID(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.New("format error")
	}
	return uint32(pid), nil
}

// message extracts the nameserver's text from a failed call.
func message(err error) string {
	var se *cluster.StatusError
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}

func (c *client) fail(prefix string, err error) {
	fmt.Fprintln(c.out, prefix+message(err))
}

func (c *client) reply(prefix, msg string, err error) {
	if err != nil {
		c.fail(prefix, err)
		return
	}
	fmt.Fprintln(c.out, msg)
}

func (c *client) tableRows(rows []cluster.TableRow) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "name\ttid\tpid\tendpoint\trole\tterm\toffset\tttl\tis_alive")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Name, r.TID, r.PID, r.Endpoint, r.Role, r.Term, r.Offset, r.TTL, r.Alive)
	}
	_ = w.Flush()
}

func (c *client) opRows(list []cluster.OpStatus) {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "op_id\top_type\tname\tpid\tstatus\tstart_time\texecute_time\tmessage")
	for _, op := range list {
		elapsed := "-"
		if op.FinishedAt != nil {
			elapsed = op.FinishedAt.Sub(op.CreatedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			op.ID, op.Kind, op.Name, op.PID, op.State, op.CreatedAt.Format(time.RFC3339), elapsed, op.Message)
	}
	_ = w.Flush()
}

func (c *client) confTable(conf map[string]string) {
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "key\tvalue")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, conf[k])
	}
	_ = w.Flush()
}
