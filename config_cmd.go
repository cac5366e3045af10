package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/readaloud/internal/config"
)

const defaultConfig = `# speech server base URL
server_url: "http://127.0.0.1:9872"
# maximum characters per synthesized chunk
chunk_max_len: 420
# playback rate (0.25 to 4)
playback_rate: 1.0
# log level written to the log file: debug, info, warn or error
log_level: "info"

# default voice for requests that do not name one
voice:
  # default, custom, design or clone
  mode: "custom"
  speaker: "Vivian"
  # 0.6b or 1.7b (default and custom modes)
  model_size: "0.6b"
  # describes the voice in design mode
  # instruction: "A calm, low voice"
  # reference recording and its transcript for clone mode
  # ref_audio: "~/voices/me.wav"
  # ref_text: "The quick brown fox."

# synthesis client
synth:
  timeout: "2m"
  # 0 disables rate limiting
  requests_per_second: 0
  burst: 1
  # speed: 1.0
  # temperature: 0.7

# reading files, URLs and the clipboard
page:
  timeout: "8s"
  max_bytes: 8388608
  retries: 3
  retry_delay: "250ms"

# message bus; an empty url starts an embedded server
bus:
  # url: "nats://127.0.0.1:4222"
  name: "readaloud"
  request_timeout: "10s"
  # largest message in bytes; a chunk's audio travels in one message
  max_payload: 33554432

# chunk audio cache
cache:
  enabled: true
  # dir defaults to the user cache directory
  memory_mb: 64
  disk_mb: 512
  # zstd level, 0 stores uncompressed
  compression_level: 3
  ttl: "168h"

# request journal
history:
  enabled: true
  # path defaults to the user data directory
  max_entries: 1000

telemetry:
  # metrics_addr: "127.0.0.1:9464"
  tracing: false
`

var (
	showConfig bool

	configCmd = &cobra.Command{
		Use:     "config",
		Hidden:  false,
		Short:   "Edit the readaloud config file",
		Long:    paragraph(fmt.Sprintf("\n%s the readaloud config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
		Example: paragraph("readaloud config\nreadaloud config --show\nreadaloud config --config path/to/config.yml"),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showConfig {
				_, cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("unable to encode configuration: %w", err)
				}
				fmt.Print(string(out))
				return nil
			}

			loader, err := config.NewLoader(config.Options{File: configFile, Logger: log.Default()})
			if err != nil {
				return err
			}
			if _, err := loader.Load(); err != nil {
				log.Warn("Could not parse configuration file", "err", err)
			}
			file := loader.DefaultFile()
			if err := ensureConfigFile(file); err != nil {
				return err
			}

			c, err := editor.Cmd("Readaloud", file)
			if err != nil {
				return fmt.Errorf("unable to set config file: %w", err)
			}
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				return fmt.Errorf("unable to run command: %w", err)
			}

			fmt.Println("Wrote config file to:", file)
			return nil
		},
	}
)

func ensureConfigFile(file string) error {
	if ext := path.Ext(file); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(file)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}

func init() {
	configCmd.Flags().BoolVar(&showConfig, "show", false, "print the effective configuration")
}
