// Command smartrouter runs the model-routing gateway and its admin CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/smartrouter/smartrouter/internal/apikeys"
	"github.com/smartrouter/smartrouter/internal/config"
	"github.com/smartrouter/smartrouter/internal/logging"
	. "github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/models"
	"github.com/smartrouter/smartrouter/internal/profiles"
	"github.com/smartrouter/smartrouter/internal/providers"
	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/scoring"
	"github.com/smartrouter/smartrouter/internal/server"
	"github.com/smartrouter/smartrouter/internal/stats"
)

var cli struct {
	Debug bool `help:"Enable debug logging." short:"d"`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the router HTTP server."`
	Login   loginCmd   `cmd:"" help:"Authenticate a provider and store the profile."`
	Profile profileCmd `cmd:"" help:"Manage stored profiles."`
	Apikey  apikeyCmd  `cmd:"" help:"Manage router client API keys."`
}

// appEnv carries the loaded configuration and store into subcommands.
type appEnv struct {
	cfg   *config.Config
	store *profiles.Store
}

func main() {
	_ = godotenv.Load()

	ctx := kong.Parse(&cli,
		kong.Name("smartrouter"),
		kong.Description("OpenAI-compatible gateway that routes chat completions across LLM providers."),
		kong.UsageOnError(),
	)

	level := logging.LevelInfo
	if cli.Debug {
		level = logging.LevelDebug
	}
	logging.Init(&logging.Config{Level: level, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		L_fatal("failed to load configuration", "error", err)
	}
	if err := os.MkdirAll(config.DefaultDir(), 0700); err != nil {
		L_fatal("failed to create state directory", "error", err)
	}

	store, err := profiles.NewStore(cfg.AuthStorePath, providers.Hints())
	if err != nil {
		L_fatal("failed to open profile store", "error", err)
	}

	if err := ctx.Run(&appEnv{cfg: cfg, store: store}); err != nil {
		L_fatal("command failed", "error", err)
	}
}

type serveCmd struct{}

func (c *serveCmd) Run(app *appEnv) error {
	keys, err := apikeys.NewRegistry(app.cfg.APIKeysPath)
	if err != nil {
		return err
	}

	fileRec, err := stats.NewFileRecorder(app.cfg.StatsPath)
	if err != nil {
		return err
	}
	defer fileRec.Close()
	recorder := stats.Multi{
		fileRec,
		stats.NewPromRecorder(prometheus.DefaultRegisterer),
	}

	dispatcher := router.New(app.store, models.Get(), scoring.Default(), keyValidator{keys}, recorder)
	srv := server.New(app.cfg, app.store, models.Get(), dispatcher)

	sched := cron.New()
	sched.AddFunc("@hourly", func() { app.store.SweepExpiredModelCooldowns() })
	sched.AddFunc("5 0 * * *", func() {
		if err := fileRec.Rotate(); err != nil {
			L_error("stats rotation failed", "error", err)
		}
	})
	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		L_info("received signal, shutting down", "signal", sig.String())
		logging.SetShuttingDown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type loginCmd struct {
	Provider string `arg:"" help:"Provider id (openai, google, antigravity, codex, ...)."`
	Label    string `help:"Profile label; defaults to the account email or 'default'."`
}

func (c *loginCmd) Run(app *appEnv) error {
	adapter, ok := providers.Get(c.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	auth, ok := adapter.(providers.Authenticator)
	if !ok {
		return fmt.Errorf("provider %q has no interactive login", c.Provider)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cred, err := auth.Login(ctx, &cliLoginContext{})
	if err != nil {
		return err
	}
	id := app.store.Upsert(c.Provider, *cred, c.Label)
	fmt.Printf("Stored profile %s\n", id)
	return nil
}

type profileCmd struct {
	List   profileListCmd   `cmd:"" help:"List stored profiles and their state."`
	Remove profileRemoveCmd `cmd:"" help:"Delete a profile."`
	Clear  profileClearCmd  `cmd:"" help:"Clear a profile's cooldown and error count."`
}

type profileListCmd struct{}

func (c *profileListCmd) Run(app *appEnv) error {
	views := app.store.ListAll()
	if len(views) == 0 {
		fmt.Println("No profiles stored. Run 'smartrouter login <provider>' first.")
		return nil
	}
	for _, v := range views {
		state := string(v.State)
		if v.InCooldown && v.State != profiles.StateDisabled {
			until := time.UnixMilli(v.CooldownUntil).Format(time.RFC3339)
			state = fmt.Sprintf("COOLDOWN until %s", until)
		}
		fmt.Printf("%-40s %-10s %-8s errors=%d\n", v.ID, v.Kind, state, v.ErrorCount)
		for model, until := range v.ModelCooldowns {
			fmt.Printf("  %s cooled until %s\n", model, time.UnixMilli(until).Format(time.RFC3339))
		}
	}
	return nil
}

type profileRemoveCmd struct {
	ID string `arg:"" help:"Profile id (provider:label)."`
}

func (c *profileRemoveCmd) Run(app *appEnv) error {
	if !app.store.Remove(c.ID) {
		return fmt.Errorf("profile %q not found", c.ID)
	}
	fmt.Printf("Removed %s\n", c.ID)
	return nil
}

type profileClearCmd struct {
	ID string `arg:"" help:"Profile id (provider:label)."`
}

func (c *profileClearCmd) Run(app *appEnv) error {
	app.store.ClearCooldown(c.ID)
	fmt.Printf("Cleared cooldown for %s\n", c.ID)
	return nil
}

type apikeyCmd struct {
	Create apikeyCreateCmd `cmd:"" help:"Mint a new client key."`
	List   apikeyListCmd   `cmd:"" help:"List client keys."`
	Revoke apikeyRevokeCmd `cmd:"" help:"Revoke a client key by prefix or label."`
}

type apikeyCreateCmd struct {
	Label string `arg:"" help:"Key label (e.g. 'laptop')."`
}

func (c *apikeyCreateCmd) Run(app *appEnv) error {
	reg, err := apikeys.NewRegistry(app.cfg.APIKeysPath)
	if err != nil {
		return err
	}
	raw, key, err := reg.Create(c.Label)
	if err != nil {
		return err
	}
	fmt.Printf("Created key %s (%s)\n", key.Prefix, key.Label)
	fmt.Printf("Secret (shown once): %s\n", raw)
	return nil
}

type apikeyListCmd struct{}

func (c *apikeyListCmd) Run(app *appEnv) error {
	reg, err := apikeys.NewRegistry(app.cfg.APIKeysPath)
	if err != nil {
		return err
	}
	for _, k := range reg.List() {
		fmt.Printf("%-14s %-20s created %s\n", k.Prefix, k.Label,
			time.UnixMilli(k.CreatedAt).Format(time.RFC3339))
	}
	return nil
}

type apikeyRevokeCmd struct {
	Key string `arg:"" help:"Key prefix or label."`
}

func (c *apikeyRevokeCmd) Run(app *appEnv) error {
	reg, err := apikeys.NewRegistry(app.cfg.APIKeysPath)
	if err != nil {
		return err
	}
	if !reg.Revoke(c.Key) {
		return fmt.Errorf("no key matches %q", c.Key)
	}
	fmt.Println("Revoked.")
	return nil
}

// keyValidator adapts the API-key registry to the dispatcher's interface.
type keyValidator struct {
	reg *apikeys.Registry
}

func (v keyValidator) Validate(raw string) (string, bool) {
	key, ok := v.reg.Validate(raw)
	return key.Label, ok
}

// cliLoginContext drives provider login flows from a terminal.
type cliLoginContext struct{}

func (c *cliLoginContext) OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

func (c *cliLoginContext) Note(msg string) {
	fmt.Fprintln(os.Stderr, msg)
}

func (c *cliLoginContext) Prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *cliLoginContext) Progress(msg string) {
	fmt.Fprintf(os.Stderr, "... %s\n", msg)
}

func (c *cliLoginContext) IsRemote() bool {
	return os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != ""
}
