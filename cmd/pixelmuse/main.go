package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"pixelmuse/client/internal/api"
	"pixelmuse/client/internal/config"
	"pixelmuse/client/internal/credstore"
	"pixelmuse/client/internal/domain"
	"pixelmuse/client/internal/googleauth"
	"pixelmuse/client/internal/guard"
	"pixelmuse/client/internal/keepalive"
	"pixelmuse/client/internal/log"
	"pixelmuse/client/internal/session"
	"pixelmuse/client/internal/transport"
	"pixelmuse/client/internal/workflow"
)

func printUsage() {
	program := os.Args[0]
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", program)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  register      Create an account")
	fmt.Fprintln(os.Stderr, "  login         Sign in with email and password")
	fmt.Fprintln(os.Stderr, "  google-login  Sign in with a Google account")
	fmt.Fprintln(os.Stderr, "  whoami        Show the current session")
	fmt.Fprintln(os.Stderr, "  list          List your generated images")
	fmt.Fprintln(os.Stderr, "  generate      Generate a new image")
	fmt.Fprintln(os.Stderr, "  download      Download a generated image")
	fmt.Fprintln(os.Stderr, "  delete        Delete a generated image (asks for confirmation)")
	fmt.Fprintln(os.Stderr, "  logout        Sign out and clear the stored session")
	fmt.Fprintln(os.Stderr, "  watch         Keep the session verified until interrupted")
}

// app bundles the wired components every command needs.
type app struct {
	cfg      *config.AppConfig
	logger   zerolog.Logger
	sessions *session.Store
	api      *api.Client
	guard    *guard.Guard
	ctrl     *workflow.Controller
}

func newApp() *app {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)

	creds := credstore.New(cfg.Store.Dir, logger)
	sessions := session.New(creds, logger)
	sessions.SetAuthFailureHook(func() {
		fmt.Fprintf(os.Stderr, "Session expired. Sign in again: pixelmuse login (%s)\n", cfg.UI.SignInPath)
	})

	tr := transport.New(cfg.API.BaseURL, sessions, &http.Client{Timeout: cfg.HTTP.Timeout}, logger)
	tr.SetUserAgent(cfg.HTTP.UserAgent)
	tr.SetAuthExpiredHandler(sessions.AuthExpired)

	apiClient := api.New(tr, logger)

	ctrl := workflow.NewController(apiClient, workflow.Options{
		ErrorDisplayWindow: cfg.UI.ErrorDisplayWindow,
		DownloadDir:        cfg.UI.DownloadDir,
		DownloadFilename:   cfg.UI.DownloadFilename,
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		api:      apiClient,
		guard:    guard.New(sessions, cfg.UI.SignInPath, logger),
		ctrl:     ctrl,
	}
}

// requireSession resolves the persisted session and gates the command on it.
func (a *app) requireSession(ctx context.Context, location string) error {
	a.sessions.Initialize(ctx, a.api)
	decision := a.guard.Evaluate(location)
	if decision.State != guard.StateAdmitted {
		return fmt.Errorf("not signed in; run: pixelmuse login (wanted %s, redirected to %s)", decision.From, decision.RedirectTo)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	a := newApp()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "register":
		err = a.cmdRegister(ctx, os.Args[2:])
	case "login":
		err = a.cmdLogin(ctx, os.Args[2:])
	case "google-login":
		err = a.cmdGoogleLogin(ctx)
	case "whoami":
		err = a.cmdWhoami(ctx)
	case "list":
		err = a.cmdList(ctx)
	case "generate":
		err = a.cmdGenerate(ctx, os.Args[2:])
	case "download":
		err = a.cmdDownload(ctx, os.Args[2:])
	case "delete":
		err = a.cmdDelete(ctx, os.Args[2:])
	case "logout":
		a.sessions.Logout()
		fmt.Println("Signed out.")
	case "watch":
		err = a.cmdWatch(ctx)
	default:
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		a.logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		os.Exit(1)
	}
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	username := fs.String("username", "", "account username")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	if *username == "" || *email == "" || *password == "" {
		return fmt.Errorf("register requires -username, -email and -password")
	}

	if err := a.api.Register(ctx, *username, *email, *password); err != nil {
		return err
	}
	fmt.Println("Account created. Sign in with: pixelmuse login")
	return nil
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	if *email == "" || *password == "" {
		return fmt.Errorf("login requires -email and -password")
	}

	identity, credential, err := a.api.Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	a.sessions.Login(identity, credential)
	fmt.Printf("Signed in as %s <%s>\n", identity.Username, identity.Email)
	return nil
}

func (a *app) cmdGoogleLogin(ctx context.Context) error {
	listener := googleauth.New(a.cfg.OAuth.ListenHost, a.cfg.OAuth.ListenPort, a.cfg.Environment, a.logger)
	fmt.Printf("Complete the Google sign-in, redirecting to %s\n", listener.RedirectURL())

	accessToken, err := listener.Capture(ctx)
	if err != nil {
		return err
	}

	identity, credential, err := a.api.GoogleLogin(ctx, accessToken)
	if err != nil {
		return err
	}
	a.sessions.Login(identity, credential)
	fmt.Printf("Signed in as %s <%s>\n", identity.Username, identity.Email)
	return nil
}

func (a *app) cmdWhoami(ctx context.Context) error {
	a.sessions.Initialize(ctx, a.api)
	snap := a.sessions.Snapshot()
	if snap.Status != session.StatusAuthenticated {
		fmt.Println("Not signed in.")
		return nil
	}
	fmt.Printf("%s <%s> (id %s)\n", snap.Identity.Username, snap.Identity.Email, snap.Identity.ID)
	return nil
}

func (a *app) cmdList(ctx context.Context) error {
	if err := a.requireSession(ctx, "/dashboard"); err != nil {
		return err
	}

	if err := a.ctrl.ListImages(ctx); err != nil {
		return err
	}
	state := a.ctrl.State()
	if len(state.Images) == 0 {
		fmt.Println("No images yet. Try: pixelmuse generate")
		return nil
	}
	for _, img := range state.Images {
		fmt.Printf("%s\t%s\t%s\n", img.ID, img.GeneratedAt.Format("2006-01-02 15:04"), img.Prompt)
	}
	return nil
}

func (a *app) cmdGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	mode := fs.String("mode", "guided", "generation mode: guided or custom")
	style := fs.String("style", "", "guided: style tag")
	subject := fs.String("subject", "", "guided: subject")
	mood := fs.String("mood", "", "guided: mood tag")
	lighting := fs.String("lighting", "", "guided: lighting tag")
	prompt := fs.String("prompt", "", "custom: free-form prompt")
	fs.Parse(args)

	if err := a.requireSession(ctx, "/generate"); err != nil {
		return err
	}

	req := domain.GenerationRequest{
		Mode:         domain.Mode(*mode),
		Style:        *style,
		Subject:      *subject,
		Mood:         *mood,
		Lighting:     *lighting,
		CustomPrompt: *prompt,
	}

	img, err := a.ctrl.Generate(ctx, req)
	if err != nil {
		if msg := a.ctrl.State().ErrorMessage; msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		return err
	}
	fmt.Printf("Generated image %s\n%s\n", img.ID, img.URL)
	return nil
}

func (a *app) cmdDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	id := fs.String("id", "", "image id to download")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("download requires -id")
	}
	if err := a.requireSession(ctx, "/dashboard"); err != nil {
		return err
	}

	if err := a.ctrl.ListImages(ctx); err != nil {
		return err
	}
	var target *domain.Image
	for _, img := range a.ctrl.State().Images {
		if img.ID == *id {
			img := img
			target = &img
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no image with id %s", *id)
	}

	path, err := a.ctrl.Download(ctx, *target)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "image id to delete")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("delete requires -id")
	}
	if err := a.requireSession(ctx, "/dashboard"); err != nil {
		return err
	}

	// Deletion is irreversible, so it always goes through the two-step
	// confirmation gate.
	a.ctrl.RequestDelete(*id)

	if !*yes {
		fmt.Printf("Delete image %s permanently? [y/N] ", *id)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			a.ctrl.CancelDelete()
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := a.ctrl.ConfirmDelete(ctx); err != nil {
		if msg := a.ctrl.State().ErrorMessage; msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		return err
	}
	fmt.Println("Deleted.")
	return nil
}

func (a *app) cmdWatch(ctx context.Context) error {
	if err := a.requireSession(ctx, "/dashboard"); err != nil {
		return err
	}

	decisions := a.guard.Watch(ctx, "/dashboard")

	var ka *keepalive.Keepalive
	if a.cfg.Keepalive.Enabled {
		ka = keepalive.New(a.cfg.Keepalive.Schedule, a.api, a.sessions, a.logger)
		if err := ka.Start(); err != nil {
			return fmt.Errorf("start keepalive: %w", err)
		}
		defer ka.Stop()
	}

	fmt.Println("Watching session; press Ctrl-C to stop.")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Stopped.")
			return nil
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			if d.State == guard.StateDenied {
				fmt.Printf("Session ended; sign in again at %s\n", d.RedirectTo)
				return nil
			}
		}
	}
}
