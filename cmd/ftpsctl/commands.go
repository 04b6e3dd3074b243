package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/gonzalop/ftps"
)

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:      "ls",
			Usage:     "list the files of a directory",
			ArgsUsage: "DIR",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "glob", Usage: "only names matching `PATTERN`"},
			},
			Action: action(list),
		},
		{
			Name:      "get",
			Usage:     "download a file",
			ArgsUsage: "REMOTE [LOCAL]",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "delete", Usage: "delete the remote file once downloaded"},
				cli.BoolFlag{Name: "intermediate", Usage: "hide the remote file while downloading"},
				cli.DurationFlag{Name: "size-check", Usage: "refuse files whose size changes within `INTERVAL`"},
			},
			Action: action(get),
		},
		{
			Name:      "put",
			Usage:     "upload a file",
			ArgsUsage: "LOCAL REMOTE_DIR",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Usage: "remote file `NAME`, defaults to the local base name"},
				cli.BoolFlag{Name: "overwrite", Usage: "replace an existing file"},
				cli.BoolFlag{Name: "parents", Usage: "create missing directories"},
				cli.BoolFlag{Name: "intermediate", Usage: "upload under a staging name and rename when done"},
			},
			Action: action(put),
		},
		{
			Name:      "rm",
			Usage:     "delete a file",
			ArgsUsage: "REMOTE",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "force, f", Usage: "ignore a missing file"},
			},
			Action: action(remove),
		},
		{
			Name:      "rmdir",
			Usage:     "remove a directory",
			ArgsUsage: "DIR",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "recursive, r", Usage: "remove the content too"},
				cli.BoolFlag{Name: "force, f", Usage: "ignore a missing directory"},
			},
			Action: action(removeDir),
		},
		{
			Name:      "mkdir",
			Usage:     "create a directory",
			ArgsUsage: "DIR",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "parents, p", Usage: "create missing parents, ignore an existing directory"},
			},
			Action: action(makeDir),
		},
		{
			Name:      "mv",
			Usage:     "rename a file or, with --dir, a directory",
			ArgsUsage: "SRC DST",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "dir", Usage: "SRC and DST are directories"},
				cli.BoolFlag{Name: "parents", Usage: "create missing destination directories"},
			},
			Action: action(move),
		},
		{
			Name:      "watch",
			Usage:     "poll a directory and download new files",
			ArgsUsage: "DIR",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "interval", Value: 30 * time.Second, Usage: "time between passes"},
				cli.StringFlag{Name: "out", Value: ".", Usage: "local `DIR` receiving the files"},
				cli.StringFlag{Name: "glob", Usage: "only names matching `PATTERN`"},
				cli.BoolFlag{Name: "delete", Usage: "delete remote files once downloaded"},
				cli.StringFlag{Name: "move-to", Usage: "move remote files to `DIR` once downloaded"},
				cli.BoolFlag{Name: "intermediate", Usage: "hide remote files while downloading"},
			},
			Action: action(watch),
		},
	}
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() < n {
		return nil, fmt.Errorf("%s: expected %d argument(s), see --help", c.Command.Name, n)
	}
	return c.Args(), nil
}

// splitRemote splits "/a/b/c.txt" into "/a/b" and "c.txt".
func splitRemote(p string) (string, string) {
	dir, name := path.Split(p)
	if dir == "" {
		dir = "."
	}
	return dir, name
}

func list(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}

	req := ftps.ListRequest{Dir: a[0]}
	if g := c.String("glob"); g != "" {
		req.Match = ftps.MatchGlob(g)
	}
	results, err := e.ops.List(ctx, req)
	if err != nil {
		return err
	}

	for _, r := range results {
		_ = r.Stream.Close()
		fmt.Printf("%12d  %s  %s\n", r.Record.Size, r.Record.ModTime.Format(time.DateTime), color.GreenString(r.Record.Name))
	}
	return nil
}

func get(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	dir, name := splitRemote(a[0])
	local := name
	if len(a) > 1 {
		local = a[1]
	}

	interval := c.Duration("size-check")
	res, err := e.ops.Read(ctx, ftps.ReadRequest{
		Dir:               dir,
		Name:              name,
		SizeCheck:         interval > 0,
		SizeCheckInterval: interval,
		DeleteAfterRead:   c.Bool("delete"),
		Intermediate:      c.Bool("intermediate"),
	})
	if err != nil {
		return err
	}
	defer res.Stream.Close()

	n, err := download(res.Stream, local)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d bytes)\n", color.GreenString("downloaded"), local, n)
	return nil
}

func download(r io.Reader, local string) (int64, error) {
	f, err := os.Create(local)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func put(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	f, err := os.Open(a[0])
	if err != nil {
		return err
	}
	defer f.Close()

	name := c.String("name")
	if name == "" {
		name = filepath.Base(a[0])
	}

	_, err = e.ops.Write(ctx, f, ftps.WriteRequest{
		Dir:           a[1],
		Name:          name,
		Overwrite:     c.Bool("overwrite"),
		CreateParents: c.Bool("parents"),
		Intermediate:  c.Bool("intermediate"),
		Timestamp:     time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.GreenString("uploaded"), path.Join(a[1], name))
	return nil
}

func remove(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	dir, name := splitRemote(a[0])
	deleted, err := e.ops.Delete(ctx, ftps.DeleteRequest{Dir: dir, Name: name, IgnoreMissing: c.Bool("force")})
	if err != nil {
		return err
	}
	if !deleted {
		fmt.Println(color.YellowString("not found: %s", a[0]))
	}
	return nil
}

func removeDir(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	_, err = e.ops.RemoveDir(ctx, ftps.RemoveDirRequest{
		Dir:           a[0],
		Recursive:     c.Bool("recursive"),
		IgnoreMissing: c.Bool("force"),
	})
	return err
}

func makeDir(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	parents := c.Bool("parents")
	_, err = e.ops.MakeDir(ctx, ftps.MakeDirRequest{Dir: a[0], CreateParents: parents, IgnoreExists: parents})
	return err
}

func move(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}

	req := ftps.RenameRequest{SrcDir: a[0], DstDir: a[1], CreateParents: c.Bool("parents")}
	if !c.Bool("dir") {
		req.SrcDir, req.SrcName = splitRemote(a[0])
		req.DstDir, req.DstName = splitRemote(a[1])
	}
	_, err = e.ops.Rename(ctx, req)
	return err
}

func watch(ctx context.Context, c *cli.Context, e *env) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	out := c.String("out")

	req := ftps.ListRequest{Dir: a[0], Intermediate: c.Bool("intermediate"), DeleteAfterRead: c.Bool("delete")}
	if g := c.String("glob"); g != "" {
		req.Match = ftps.MatchGlob(g)
	}
	poller := ftps.NewPoller(e.ops, ftps.PollerConfig{
		Request:         req,
		MoveToDirectory: c.String("move-to"),
		Watermark:       !c.Bool("delete") && c.String("move-to") == "",
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle := func(ctx context.Context, item ftps.Item) error {
		local := filepath.Join(out, item.Record.Name)
		n, err := download(item.Stream, local)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s -> %s (%d bytes)\n", color.GreenString("received"), item.ID, local, n)
		return nil
	}

	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	for {
		if err := poller.Poll(ctx, handle); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(os.Stderr, color.RedString("poll: %s", err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
