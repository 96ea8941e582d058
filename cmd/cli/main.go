package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"imggen/internal/client/session"
	"imggen/internal/pkg/logger"

	"golang.org/x/term"
)

const usage = `usage: imggen-cli [-server URL] <command> [args]

commands:
  login [-remember] <username>   sign in (password is read from the terminal)
  logout                         clear stored credentials
  whoami                         show the signed-in account
  history [-page N] [-limit N]   list generated images
  shell                          interactive mode, non-remembered logins live until exit
`

// readPassword 便于测试替换。
var readPassword = term.ReadPassword

type app struct {
	mgr      *session.Manager
	out      io.Writer
	in       *bufio.Reader
	restored bool
}

func main() {
	server := flag.String("server", envOr("IMGGEN_SERVER", "http://localhost:5004"), "API base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	path, err := session.DefaultFilePath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	client := session.NewClient(*server, 30*time.Second, func(msg string) {
		fmt.Fprintln(os.Stderr, "!", msg)
	})
	mgr := session.NewManager(client, session.NewFileStorage(path), session.NewMemoryStorage(),
		logger.New(logger.Options{Level: envOr("IMGGEN_LOG_LEVEL", "error"), Format: "text"}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{mgr: mgr, out: os.Stdout, in: bufio.NewReader(os.Stdin)}
	if err := a.run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	if !a.restored && cmd != "login" && cmd != "logout" {
		a.restored = true
		if ok, done := a.mgr.Restore(ctx); ok {
			// 命令行是一次性进程，等校验结果再继续
			if err := <-done; err != nil {
				return fmt.Errorf("stored session is no longer valid: %w", err)
			}
		}
	}

	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "logout":
		if err := a.mgr.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "logged out")
		return nil
	case "whoami":
		return a.whoami(ctx)
	case "history":
		return a.history(ctx, rest)
	case "shell":
		return a.shell(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	remember := fs.Bool("remember", false, "keep the session after the process exits")
	if err := fs.Parse(args); err != nil {
		return err
	}
	username := strings.TrimSpace(fs.Arg(0))
	if username == "" {
		line, err := a.prompt("username: ")
		if err != nil {
			return err
		}
		username = line
	}

	fmt.Fprint(a.out, "password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(a.out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	user, err := a.mgr.Login(ctx, username, string(pw), *remember)
	if err != nil {
		return err
	}
	where := "this process"
	if *remember {
		where = "disk"
	}
	fmt.Fprintf(a.out, "signed in as %s (%s), session kept in %s\n", user.Username, user.Email, where)
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	user, err := a.mgr.Profile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "id:       %d\nusername: %s\nemail:    %s\nstatus:   %s\n",
		user.ID, user.Username, user.Email, user.Status)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("limit", 10, "items per page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := a.mgr.History(ctx, *page, *limit)
	if err != nil {
		return err
	}
	for _, img := range res.Items {
		fmt.Fprintf(a.out, "#%d  %s  %dx%d  %s\n    %s\n",
			img.ID, img.CreatedAt.Local().Format(time.DateTime), img.Width, img.Height, img.Model, img.URL)
	}
	fmt.Fprintf(a.out, "page %d/%d, %d total\n", res.Pagination.Page, res.Pagination.TotalPages, res.Pagination.Total)
	return nil
}

func (a *app) shell(ctx context.Context) error {
	for {
		line, err := a.prompt("imggen> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "shell":
			continue
		case "help":
			fmt.Fprint(a.out, usage)
			continue
		}
		if err := a.run(ctx, fields); err != nil {
			fmt.Fprintln(a.out, "error:", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (a *app) prompt(label string) (string, error) {
	fmt.Fprint(a.out, label)
	line, err := a.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
