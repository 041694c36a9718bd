package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mixlnk/beacon/internal/adapters/rtc"
	"github.com/mixlnk/beacon/internal/config"
	"github.com/mixlnk/beacon/internal/domain"
	"github.com/mixlnk/beacon/internal/probe"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	urlKey      = "url"
	timeoutKey  = "timeout"
	mediaKey    = "media"
	stunKey     = "stun"
	streamKey   = "stream"
	listenerKey = "listener"
	verboseKey  = "verbose"
)

var errProbeFailed = errors.New("probe failed")

var rootCmd = &cobra.Command{
	Use:   "signalprobe",
	Short: "Runs a broadcaster and a listener against a signaling server.",
	Long: `signalprobe opens two signaling connections, registers a stream on one,
joins it from the other and relays an offer, an answer and ICE candidates
both ways before ending the stream. With --media the session descriptions
come from real WebRTC peers and the probe waits for ICE to connect.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.RunE = runProbe
	cobra.OnInitialize(initConfig)

	f := rootCmd.Flags()
	f.String(urlKey, "ws://localhost:3000/api/ws/signal", "signaling WebSocket URL")
	f.Duration(timeoutKey, 0, "overall probe timeout (0 means 10s, 30s with --media)")
	f.Bool(mediaKey, false, "negotiate real WebRTC peers")
	f.StringSlice(stunKey, nil, "ICE server URLs for --media (default Google STUN)")
	f.String(streamKey, "", "stream id (random when empty)")
	f.String(listenerKey, "", "listener id (random when empty)")
	f.BoolP(verboseKey, "v", false, "log every relayed message")

	for _, k := range []string{urlKey, timeoutKey, mediaKey, stunKey, streamKey, listenerKey, verboseKey} {
		cobra.CheckErr(viper.BindPFlag(k, f.Lookup(k)))
	}
}

// initConfig lets SIGNALPROBE_* variables stand in for flags.
func initConfig() {
	viper.SetEnvPrefix("SIGNALPROBE")
	viper.AutomaticEnv()
	if viper.GetBool(verboseKey) {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func runProbe(cmd *cobra.Command, _ []string) error {
	opts := probe.Options{
		URL:        viper.GetString(urlKey),
		Timeout:    viper.GetDuration(timeoutKey),
		Media:      viper.GetBool(mediaKey),
		StreamID:   domain.StreamID(viper.GetString(streamKey)),
		ListenerID: domain.ListenerID(viper.GetString(listenerKey)),
	}
	if opts.Media {
		var servers []config.ICEServer
		if urls := viper.GetStringSlice(stunKey); len(urls) > 0 {
			servers = []config.ICEServer{{URLs: urls}}
		}
		opts.ICEServers = rtc.ICEServers(servers)
		if opts.Timeout <= 0 {
			opts.Timeout = 30 * time.Second
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := probe.Run(ctx, opts)
	printReport(report)
	if err != nil {
		return err
	}
	if !report.OK() {
		return errProbeFailed
	}
	return nil
}

func printReport(r probe.Report) {
	out := rootCmd.OutOrStdout()
	fmt.Fprintf(out, "stream %s, listener %s\n", r.StreamID, r.ListenerID)
	for _, s := range r.Steps {
		status := "ok"
		detail := s.Detail
		if s.Err != nil {
			status = "FAIL"
			detail = s.Err.Error()
		}
		fmt.Fprintf(out, "  %-4s %-20s %8s  %s\n", status, s.Name, s.Took.Round(time.Millisecond), strings.TrimSpace(detail))
	}
	if r.OK() {
		fmt.Fprintln(out, "PASS")
	} else {
		fmt.Fprintln(os.Stderr, "FAIL")
	}
}
