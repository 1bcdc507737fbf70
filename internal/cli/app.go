package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chanderlud/giga-grabber/internal/checkpoint"
	"github.com/chanderlud/giga-grabber/internal/config"
	"github.com/chanderlud/giga-grabber/internal/filex"
	"github.com/chanderlud/giga-grabber/internal/logging"
	"github.com/chanderlud/giga-grabber/internal/mega"
	"github.com/chanderlud/giga-grabber/internal/transfer"
)

// App owns the long-lived pieces of the downloader: one protocol client, one
// resume database and one scheduler, shared by every transfer of the run.
type App struct {
	cfg    *config.Config
	log    logging.Logger
	client *mega.Client
	sched  *transfer.Scheduler
	db     *sql.DB

	reader *bufio.Reader
	out    io.Writer

	// nodes caches the account forest after the first path lookup.
	nodes *mega.Nodes
}

// NewApp builds the transport, client, resume store and scheduler from cfg.
func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	proxy, err := cfg.ProxyFunc()
	if err != nil {
		return nil, err
	}

	transport, err := mega.NewHTTPTransport(mega.TransportOptions{
		Origin:  cfg.APIOrigin,
		Timeout: cfg.Timeout,
		Proxy:   proxy,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}

	client, err := mega.NewClient(mega.ClientOptions{
		Transport: transport,
		Logger:    log,
		UseHTTPS:  cfg.UseHTTPS,
	})
	if err != nil {
		return nil, err
	}

	if _, err := filex.EnsureDir(cfg.DownloadDir); err != nil {
		return nil, fmt.Errorf("preparing download directory: %w", err)
	}
	if _, err := filex.EnsureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, fmt.Errorf("preparing database directory: %w", err)
	}

	db, err := checkpoint.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening resume database: %w", err)
	}

	engine := transfer.NewEngine(client, transport, checkpoint.NewSQLiteRepository(db), cfg, log)

	return &App{
		cfg:    cfg,
		log:    log,
		client: client,
		sched:  transfer.NewScheduler(engine, cfg, log),
		db:     db,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		a.log.Info(context.Background(), "shutdown signal received")
		cancelFunc()
	}()
}

// Run schedules one download per argument and blocks until every transfer
// reaches a terminal state. A non-nil error means at least one argument could
// not be scheduled or at least one transfer did not finish; interrupted
// transfers keep their resume state for the next run.
func (a *App) Run(ctx context.Context, args []string) error {
	defer a.db.Close()

	if len(args) == 0 {
		return errors.New("nothing to download: pass a share link or an account path")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.initSignalHandler(cancel)

	go func() {
		<-ctx.Done()
		a.sched.Close()
	}()

	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		a.watchEvents()
	}()

	tasks, failures := a.schedule(ctx, args)
	if len(tasks) == 0 && failures == 0 {
		a.log.Info(ctx, "no files to transfer")
	}

	a.sched.Wait()
	a.sched.Close()
	watcher.Wait()

	for _, t := range tasks {
		if t.Err() != nil {
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d transfers failed", failures)
	}
	return nil
}

// watchEvents prints terminal transitions until the scheduler closes its
// events channel.
func (a *App) watchEvents() {
	for ev := range a.sched.Events() {
		switch ev.Kind {
		case transfer.EventTaskFinished:
			target := ev.Task.TargetPath
			if target == "" {
				target = ev.Task.Name
			}
			fmt.Fprintf(a.out, "finished %s\n", target)
		case transfer.EventTaskFailed:
			fmt.Fprintf(a.out, "failed %s: %v\n", ev.Task.Name, ev.Err)
		}
	}
}

// schedule resolves every argument and submits the resulting download tasks.
// Arguments that cannot be resolved are skipped and counted; the rest of the
// run continues.
func (a *App) schedule(ctx context.Context, args []string) ([]*transfer.Task, int) {
	var tasks []*transfer.Task
	var failures int

	for _, arg := range args {
		if ctx.Err() != nil {
			break
		}
		scheduled, err := a.scheduleArg(ctx, arg)
		tasks = append(tasks, scheduled...)
		if err != nil {
			failures++
			a.log.Error(ctx, "cannot schedule argument", "arg", arg, "error", err)
			fmt.Fprintf(a.out, "skipping %s: %v\n", arg, err)
		}
	}
	return tasks, failures
}

// scheduleArg treats arg as a share link first and falls back to an account
// path. URL-shaped arguments that fail to parse are reported as bad links
// rather than looked up as paths.
func (a *App) scheduleArg(ctx context.Context, arg string) ([]*transfer.Task, error) {
	link, err := mega.ParsePublicLink(arg)
	if err != nil {
		if strings.Contains(arg, "://") {
			return nil, err
		}

		nodes, err := a.accountNodes(ctx)
		if err != nil {
			return nil, err
		}
		node, err := nodes.ByPath(arg)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", arg, err)
		}
		return a.scheduleNode(nodes, node, a.cfg.DownloadDir)
	}

	nodes, err := a.client.OpenPublicLink(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("opening link: %w", err)
	}

	var tasks []*transfer.Task
	for _, root := range nodes.Roots() {
		scheduled, err := a.scheduleNode(nodes, root, a.cfg.DownloadDir)
		tasks = append(tasks, scheduled...)
		if err != nil {
			return tasks, err
		}
	}
	return tasks, nil
}

// scheduleNode schedules a file, or walks a folder and schedules every file
// in its subtree, mirroring the folder structure under dir.
func (a *App) scheduleNode(nodes *mega.Nodes, node *mega.Node, dir string) ([]*transfer.Task, error) {
	switch node.Kind {
	case mega.KindFile:
		t, err := a.sched.Download(node, filepath.Join(dir, safeName(node.Name)))
		if err != nil {
			return nil, err
		}
		return []*transfer.Task{t}, nil

	case mega.KindFolder, mega.KindRoot, mega.KindInbox, mega.KindTrash:
		var tasks []*transfer.Task
		sub := filepath.Join(dir, safeName(node.Name))
		for _, child := range nodes.Children(node.Handle) {
			scheduled, err := a.scheduleNode(nodes, child, sub)
			tasks = append(tasks, scheduled...)
			if err != nil {
				return tasks, err
			}
		}
		return tasks, nil
	}
	return nil, fmt.Errorf("node %s has unsupported kind %s", node.Handle, node.Kind)
}

// accountNodes fetches the account forest on first use, logging in when the
// session is not yet established.
func (a *App) accountNodes(ctx context.Context) (*mega.Nodes, error) {
	if a.nodes != nil {
		return a.nodes, nil
	}

	if a.client.State() != mega.StateAuthenticated {
		if err := a.login(ctx); err != nil {
			return nil, err
		}
	}

	nodes, err := a.client.FetchNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching account nodes: %w", err)
	}
	a.nodes = nodes
	return nodes, nil
}

// login authenticates with configured credentials, prompting for whatever is
// missing. A multi-factor challenge is answered from configuration or a
// follow-up prompt.
func (a *App) login(ctx context.Context) error {
	email := a.cfg.Email
	password := a.cfg.Password

	var err error
	if email == "" {
		email, err = GetSimpleText(a.reader, "Account email", a.out)
		if err != nil {
			return fmt.Errorf("reading email: %w", err)
		}
	}
	if password == "" {
		password, err = GetPassword(a.reader, a.out)
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
	}

	err = a.client.Login(ctx, email, password)
	if errors.Is(err, mega.ErrMFARequired) {
		code := a.cfg.MFA
		if code == "" {
			code, err = GetSimpleText(a.reader, "Two-factor code", a.out)
			if err != nil {
				return fmt.Errorf("reading two-factor code: %w", err)
			}
		}
		err = a.client.SubmitMFA(ctx, code)
	}
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	return nil
}

// safeName makes a node name usable as a single path element.
func safeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, name)

	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}
