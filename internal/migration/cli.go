package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// ErrUnknownCommand 表示未知的 migrate 子命令
var ErrUnknownCommand = errors.New("unknown migrate subcommand")

// CLI 把 migrate 子命令翻译成 Migrator 调用并打印结果
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 替换输出目标，测试时使用
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// action 是一个变更类子命令：先打印 banner，执行后打印当前版本
type action struct {
	banner string
	run    func(ctx context.Context, m Migrator) error
	done   string
}

// Run 执行 migrate 子命令：up、down、reset、steps N、goto V、force V、version、status、info
func (c *CLI) Run(ctx context.Context, sub string, args []string) error {
	switch sub {
	case "version":
		return c.printVersion(ctx)
	case "status":
		return c.printStatus(ctx)
	case "info":
		return c.printInfo(ctx)
	}

	act, err := c.resolve(sub, args)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.output, act.banner)
	if err := act.run(ctx, c.migrator); err != nil {
		return fmt.Errorf("%s: %w", sub, err)
	}
	if act.done != "" {
		fmt.Fprintln(c.output, act.done)
		return nil
	}

	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Done. Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *CLI) resolve(sub string, args []string) (action, error) {
	switch sub {
	case "up":
		return action{
			banner: "Running migrations...",
			run:    func(ctx context.Context, m Migrator) error { return m.Up(ctx) },
		}, nil
	case "down":
		return action{
			banner: "Rolling back last migration...",
			run:    func(ctx context.Context, m Migrator) error { return m.Down(ctx) },
		}, nil
	case "reset":
		return action{
			banner: "Rolling back all migrations...",
			run:    func(ctx context.Context, m Migrator) error { return m.DownAll(ctx) },
			done:   "All migrations rolled back.",
		}, nil
	case "steps", "goto", "force":
	default:
		return action{}, fmt.Errorf("%w: %s", ErrUnknownCommand, sub)
	}

	if len(args) < 1 {
		return action{}, fmt.Errorf("%s requires a numeric argument", sub)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return action{}, fmt.Errorf("invalid %s argument %q: %w", sub, args[0], err)
	}

	switch sub {
	case "steps":
		banner := fmt.Sprintf("Applying %d migration(s)...", n)
		if n < 0 {
			banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
		}
		return action{
			banner: banner,
			run:    func(ctx context.Context, m Migrator) error { return m.Steps(ctx, n) },
		}, nil
	case "goto":
		if n < 0 {
			return action{}, errors.New("goto version must not be negative")
		}
		return action{
			banner: fmt.Sprintf("Migrating to version %d...", n),
			run:    func(ctx context.Context, m Migrator) error { return m.Goto(ctx, uint(n)) },
		}, nil
	default:
		return action{
			banner: fmt.Sprintf("Forcing version to %d...", n),
			run:    func(ctx context.Context, m Migrator) error { return m.Force(ctx, n) },
		}, nil
	}
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	w.Flush()

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Migration Information:")
	fmt.Fprintf(w, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
