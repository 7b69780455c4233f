// Command stk500 flashes Intel HEX firmware images onto Optiboot targets
// over a serial or Bluetooth-serial link.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meland/go-stk500/ihex"
	"github.com/meland/go-stk500/logger"
	"github.com/meland/go-stk500/stk500"
	"github.com/meland/go-stk500/transport"
)

var (
	flagPort    string
	flagBaud    int
	flagFile    string
	flagChunk   int
	flagNoVerif bool
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "stk500",
		Short:         "Program Optiboot devices over serial links",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flash := &cobra.Command{
		Use:   "flash",
		Short: "Write a firmware image to the target and verify it",
		RunE:  runFlash,
	}
	flash.Flags().StringVarP(&flagPort, "port", "p", "", "serial device (required)")
	flash.Flags().IntVarP(&flagBaud, "baud", "b", transport.DefaultBaudRate, "baud rate")
	flash.Flags().StringVarP(&flagFile, "file", "f", "", "Intel HEX firmware file (required)")
	flash.Flags().IntVar(&flagChunk, "chunk", stk500.DefaultChunkSize, "page payload size in bytes")
	flash.Flags().BoolVar(&flagNoVerif, "no-verify", false, "skip the read-back verification pass")
	flash.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = flash.MarkFlagRequired("port")
	_ = flash.MarkFlagRequired("file")

	ports := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports on this system",
		RunE: func(_ *cobra.Command, _ []string) error {
			names, err := transport.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}

			return nil
		},
	}

	root.AddCommand(flash, ports)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runFlash(_ *cobra.Command, _ []string) error {
	if flagVerbose {
		logger.SetLevel(logger.DebugLevel)
	}

	img, err := ihex.ParseFile(flagFile)
	if err != nil {
		return err
	}
	fmt.Printf("image: %s (%d bytes)\n", flagFile, img.Size())

	port, err := transport.OpenSerial(flagPort, flagBaud)
	if err != nil {
		return err
	}
	defer port.Close() //nolint:errcheck // exiting anyway

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := stk500.NewSession(ctx, port, port, img)
	if err != nil {
		return err
	}

	done := make(chan bool, 1)
	go func() {
		done <- session.Program(ctx, !flagNoVerif, flagChunk)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var ok bool
loop:
	for {
		select {
		case ok = <-done:
			break loop
		case <-ticker.C:
			fmt.Printf("\r%-12s %3d%%", session.State(), session.Progress())
		}
	}
	fmt.Printf("\r%-12s %3d%%\n", session.State(), session.Progress())

	if err := session.Close(); err != nil {
		logger.Warn("session close", "error", err)
	}

	if !ok {
		return fmt.Errorf("programming failed in state %s", session.State())
	}

	stats := session.Stats()
	fmt.Printf("wrote %d pages in %s (min %s, max %s, avg %s)\n",
		stats.Pages, stats.Total.Round(time.Millisecond),
		stats.Min.Round(time.Millisecond), stats.Max.Round(time.Millisecond),
		stats.Avg.Round(time.Millisecond))

	return nil
}
