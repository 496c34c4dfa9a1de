package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/game"
)

// RunSetupWizard asks for the RCON target on first run and saves the
// result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	for {
		fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
		fmt.Fprintln(out, "║          RCON Bridge - First Run Setup       ║")
		fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Supported games: %s\n\n", strings.Join(game.Tags(), ", "))

		r := cfg.GetRCON()
		fmt.Fprintln(out, "── Game Server ──")
		r.Game = strings.ToLower(promptString(reader, out, "Game", r.Game))
		r.Host = promptString(reader, out, "RCON host", r.Host)
		r.Port = promptInt(reader, out, "RCON port", r.Port)
		r.Password = promptPassword(reader, out, "RCON password")
		r.ConnectRetry = promptBool(reader, out, "Keep retrying until the server is up", r.ConnectRetry)
		cfg.SetRCON(r)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Control API ──")
		cfg.mu.Lock()
		cfg.API.Enabled = promptBool(reader, out, "Enable control API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Port = promptInt(reader, out, "API port", cfg.API.Port)
			cfg.API.Token = promptPassword(reader, out, "API bearer token (blank for none)")
		}
		cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
		}
		cfg.mu.Unlock()

		// Validate before saving
		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "no")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptPassword(reader *bufio.Reader, out io.Writer, prompt string) string {
	fmt.Fprintf(out, "  %s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimRight(input, "\r\n")
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
