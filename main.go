package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/retroenv/retrogolib/buildinfo"
	"github.com/spf13/cobra"

	"github.com/hexpad/chip8vm/internal/hal"
	"github.com/hexpad/chip8vm/internal/vm"
)

var (
	version = "0.2.0"
	commit  = ""
	date    = ""
)

func main() {
	cmd := &cobra.Command{
		Use:           fmt.Sprintf("%s PATH_TO_ROM_FILE", filepath.Base(os.Args[0])),
		Short:         "Run emulator",
		Version:       buildinfo.Version(version, commit, date),
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
	}

	verbose := cmd.Flags().BoolP("verbose", "v", false, "enable verbose logging")
	cyclesPerFrame := cmd.Flags().Int("cycles-per-frame", 10, "CPU cycles to run per rendered frame")

	var quirks vm.Quirks
	cmd.Flags().BoolVar(&quirks.IndexOverflowFlag, "quirk-index-overflow", false, "FX1E sets VF on index overflow past 0x0FFF")
	cmd.Flags().BoolVar(&quirks.IncrementIndex, "quirk-increment-index", false, "FX55/FX65 leave I incremented, as on the COSMAC VIP")

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		loggerOpts := &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}
		if *verbose {
			loggerOpts.Level = slog.LevelDebug
		}

		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, loggerOpts)))

		path := args[0]
		bs, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("unable to load file %q: %w", path, err)
		}

		h, err := hal.New()
		if err != nil {
			return fmt.Errorf("unable to initialize hal: %w", err)
		}
		defer h.Shutdown()

		machine, err := vm.New(bs, quirks)
		if err != nil {
			return fmt.Errorf("unable to boot %q: %w", path, err)
		}

		for {
			err = machine.Run(h, *cyclesPerFrame)

			if errors.Is(err, hal.ErrQuit) {
				return nil
			}

			if errors.Is(err, hal.ErrReboot) {
				slog.Info("reboot requested")
				continue
			}

			var fatal *vm.FatalError
			if errors.As(err, &fatal) {
				// Keep the window with the last frame up so the fault is
				// inspectable, then surface the diagnostic.
				slog.Error("machine fault", "err", fatal, "pc", fmt.Sprintf("0x%04x", fatal.PC), "opcode", fmt.Sprintf("0x%04x", fatal.Opcode))
				if waitErr := h.WaitForQuit(); waitErr != nil {
					return waitErr
				}
			}

			return err
		}
	}

	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}
