// Package main provides the entry point for the readaloud CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dgnsrekt/readaloud/internal/config"
	"github.com/dgnsrekt/readaloud/internal/coordinator"
	"github.com/dgnsrekt/readaloud/internal/protocol"
	"github.com/dgnsrekt/readaloud/ui"
)

// maxStdinBytes bounds text piped on stdin.
const maxStdinBytes = 8 << 20

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile  string
	serverURL   string
	rate        float64
	maxLen      int
	speaker     string
	voiceMode   string
	instruction string
	logLevel    string
	text        string
	headless    bool

	rootCmd = &cobra.Command{
		Use:   "readaloud [SOURCE]",
		Short: "Read text aloud on the CLI",
		Long: paragraph(
			fmt.Sprintf("\nRead files, web pages and the clipboard %s with a local speech server.", keyword("aloud")),
		),
		Example:          paragraph("readaloud notes.md\nreadaloud https://example.com/post\necho hello | readaloud -\nreadaloud clipboard:"),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return nil, cobra.ShellCompDirectiveDefault
		},
		RunE: execute,
	}

	speakCmd = &cobra.Command{
		Use:   "speak [SOURCE]",
		Short: "Read a source aloud",
		Long: paragraph(fmt.Sprintf("\n%s a file, URL, clipboard: or - for stdin. Without a source the clipboard is read.",
			keyword("Speak"))),
		Args: cobra.MaximumNArgs(1),
		RunE: execute,
	}
)

// loadConfig merges the config sources and applies the command line flags
// on top.
func loadConfig(cmd *cobra.Command) (*config.Loader, config.Config, error) {
	loader, err := config.NewLoader(config.Options{File: configFile, Logger: log.Default()})
	if err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, cfg, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, cfg, fmt.Errorf("invalid options: %w", err)
	}
	log.SetLevel(cfg.Level())
	return loader, cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = serverURL
	}
	if flags.Changed("rate") {
		cfg.PlaybackRate = rate
	}
	if flags.Changed("max-len") {
		cfg.ChunkMaxLen = maxLen
	}
	if flags.Changed("speaker") {
		cfg.Voice.Speaker = speaker
	}
	if flags.Changed("mode") {
		cfg.Voice.Mode = voiceMode
	}
	if flags.Changed("instruction") {
		cfg.Voice.Instruction = instruction
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

// speakFromArgs builds the speak request for the given source argument.
// "-" or piped input reads stdin; no argument reads the clipboard.
func speakFromArgs(args []string, stdin io.Reader, piped bool) (protocol.Speak, string, error) {
	if text != "" {
		return protocol.Speak{SourceText: text}, "text", nil
	}

	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	if arg == "-" || (arg == "" && piped) {
		b, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
		if err != nil {
			return protocol.Speak{}, "", fmt.Errorf("unable to read from stdin: %w", err)
		}
		if strings.TrimSpace(string(b)) == "" {
			return protocol.Speak{}, "", errors.New("no text on stdin")
		}
		return protocol.Speak{SourceText: string(b)}, "stdin", nil
	}
	if arg == "" {
		return protocol.Speak{Source: "clipboard:"}, "clipboard", nil
	}
	return protocol.Speak{Source: arg}, sourceTitle(arg), nil
}

func sourceTitle(src string) string {
	if strings.Contains(src, "://") {
		return src
	}
	return filepath.Base(src)
}

func stdinPiped() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice == 0
}

func execute(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	msg, title, err := speakFromArgs(args, os.Stdin, stdinPiped())
	if err != nil {
		return err
	}
	voice, err := cfg.Voice.Params()
	if err != nil {
		return fmt.Errorf("unable to load voice: %w", err)
	}
	msg.Voice = voice
	msg.ServerURL = cfg.ServerURL
	msg.ChunkMaxLen = cfg.ChunkMaxLen
	msg.PlaybackRate = cfg.PlaybackRate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := startApp(ctx, cfg, log.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := loader.Watch(func(c config.Config) {
		log.SetLevel(c.Level())
		applyFlags(cmd, &c)
		d, err := defaultsFrom(c)
		if err != nil {
			log.Warn("ignoring voice change", "error", err)
			return
		}
		a.service.SetDefaults(d)
	}); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		log.Warn("unable to watch config file", "error", err)
	}

	uiCfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}
	uiCfg.Speak = msg
	uiCfg.Title = title

	if headless || !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec
		out := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: cfg.Level()})
		return ui.RunHeadless(ctx, uiCfg, a.remote, out)
	}
	if _, err := ui.NewProgram(uiCfg, a.remote).Run(); err != nil {
		return fmt.Errorf("unable to run tui program: %w", err)
	}
	return nil
}

func defaultsFrom(cfg config.Config) (coordinator.Defaults, error) {
	voice, err := cfg.Voice.Params()
	if err != nil {
		return coordinator.Defaults{}, err
	}
	return coordinator.Defaults{
		ServerURL:   cfg.ServerURL,
		ChunkMaxLen: cfg.ChunkMaxLen,
		Voice:       voice,
	}, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default is readaloud.yml in the user config directory)")
	pf.StringVar(&serverURL, "server", "", "speech server URL")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	for _, c := range []*cobra.Command{rootCmd, speakCmd} {
		f := c.Flags()
		f.Float64VarP(&rate, "rate", "r", 1, "playback rate (0.25 to 4)")
		f.IntVar(&maxLen, "max-len", 0, "maximum characters per synthesized chunk")
		f.StringVarP(&speaker, "speaker", "s", "", "speaker for the custom voice mode")
		f.StringVarP(&voiceMode, "mode", "m", "", "voice mode (default, custom, design, clone)")
		f.StringVarP(&instruction, "instruction", "i", "", "voice instruction for the design mode")
		f.StringVarP(&text, "text", "t", "", "read this text instead of a source")
		f.BoolVar(&headless, "headless", false, "log progress instead of starting the TUI")
	}

	rootCmd.AddCommand(speakCmd, voicesCmd, healthCmd, historyCmd, cacheCmd, configCmd, manCmd)
}
