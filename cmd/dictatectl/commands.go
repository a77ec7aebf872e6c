package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-dictate/internal/audio/mic"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func init() {
	simple := []struct {
		use, short, subject string
	}{
		{"start", "Start listening", protocol.SubjectCommandStart},
		{"toggle", "Start or stop, whichever applies", protocol.SubjectCommandToggle},
		{"mute", "Mute the microphone", protocol.SubjectCommandMute},
		{"unmute", "Unmute the microphone", protocol.SubjectCommandUnmute},
		{"reset", "Recover from the error state", protocol.SubjectCommandReset},
	}
	for _, s := range simple {
		subject := s.subject
		rootCmd.AddCommand(&cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				reply, err := request(subject, protocol.Command{})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.State)
				return nil
			},
		})
	}

	rootCmd.AddCommand(stopCmd, statusCmd, deviceCmd, modelCmd, consentCmd, historyCmd, watchCmd, devicesCmd, versionCmd)

	modelCmd.Flags().String("size", "", "Model size, e.g. tiny, base.en, small")
	modelCmd.Flags().String("language", "", "Language code or auto")
	modelCmd.Flags().String("compute-type", "", "Compute type, e.g. int8, float16")
	modelCmd.Flags().String("device", "", "Inference device, e.g. cpu, cuda")

	stopCmd.Flags().Bool("wait", false, "Wait for the last transcript and print it")
	stopCmd.Flags().Duration("wait-timeout", 2*time.Minute, "Give up waiting after this long")
	consentCmd.Flags().Bool("deny", false, "Refuse the download instead of approving it")
	historyCmd.Flags().Int("limit", 20, "Number of transcripts to show")
	watchCmd.Flags().Bool("json", false, "Print raw event payloads")
	statusCmd.Flags().Bool("json", false, "Print the raw status")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop listening and transcribe what was said",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			reply, err := request(protocol.SubjectCommandStop, protocol.Command{})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.State)
			return nil
		}

		waitTimeout, _ := cmd.Flags().GetDuration("wait-timeout")
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
		defer cancelDial()
		client, err := connect(dialCtx)
		if err != nil {
			return err
		}
		defer client.Close()

		settled, err := router.WatchSettled(client)
		if err != nil {
			return err
		}
		defer settled.Close()

		var reply protocol.Reply
		if err := client.RequestJSON(dialCtx, protocol.SubjectCommandStop, protocol.Command{}, &reply); err != nil {
			if errors.Is(err, bus.ErrNoResponders) {
				return errDaemonDown
			}
			return err
		}
		if !reply.OK {
			return fmt.Errorf("%s (state: %s)", reply.Error, reply.State)
		}
		if reply.State != "processing" {
			fmt.Fprintln(cmd.OutOrStdout(), reply.State)
			return nil
		}
		out := cmd.OutOrStdout()
		_, err = settled.Wait(ctx, func(tr protocol.Transcript) {
			fmt.Fprintln(out, tr.Text)
		})
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reply, err := request(protocol.SubjectCommandStatus, protocol.Command{})
		if err != nil {
			return err
		}
		st := reply.Status
		if st == nil {
			return fmt.Errorf("daemon returned no status")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		device := st.Device
		if device == "" {
			device = "(default)"
		}
		fmt.Fprintf(w, "State:\t%s\n", st.State)
		if st.SessionID != "" {
			fmt.Fprintf(w, "Session:\t%s\n", st.SessionID)
		}
		fmt.Fprintf(w, "Device:\t%s\n", device)
		fmt.Fprintf(w, "Model:\t%s (%s, %s, %s)\n", st.Model.Size, st.Model.Language, st.Model.ComputeType, st.Model.Device)
		fmt.Fprintf(w, "Capturing:\t%t\n", st.Capturing)
		fmt.Fprintf(w, "Pending:\t%d utterances, %d consents\n", st.Pending, st.PendingConsents)
		fmt.Fprintf(w, "Frames:\t%s processed, %s dropped\n", humanize.Comma(int64(st.FramesProcessed)), humanize.Comma(int64(st.DroppedFrames)))
		if st.Fallbacks > 0 {
			fmt.Fprintf(w, "VAD fallbacks:\t%d\n", st.Fallbacks)
		}
		if len(st.Restarts) > 0 {
			names := make([]string, 0, len(st.Restarts))
			for name := range st.Restarts {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, name := range names {
				parts = append(parts, fmt.Sprintf("%s=%d", name, st.Restarts[name]))
			}
			fmt.Fprintf(w, "Restarts:\t%s\n", strings.Join(parts, " "))
		}
		return w.Flush()
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device [name]",
	Short: "Select the input device; no name selects the system default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		reply, err := request(protocol.SubjectCommandDevice, protocol.Command{Device: name})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.State)
		return nil
	},
}

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Change the speech model; it is loaded with the next utterance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var spec protocol.ModelSpec
		spec.Size, _ = cmd.Flags().GetString("size")
		spec.Language, _ = cmd.Flags().GetString("language")
		spec.ComputeType, _ = cmd.Flags().GetString("compute-type")
		spec.Device, _ = cmd.Flags().GetString("device")
		if spec == (protocol.ModelSpec{}) {
			return fmt.Errorf("set at least one of --size, --language, --compute-type, --device")
		}
		reply, err := request(protocol.SubjectCommandModel, protocol.Command{Model: &spec})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.State)
		return nil
	},
}

var consentCmd = &cobra.Command{
	Use:   "consent <id>",
	Short: "Answer a model download request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deny, _ := cmd.Flags().GetBool("deny")
		_, err := request(protocol.SubjectCommandConsent, protocol.Command{ConsentID: args[0], Approve: !deny})
		if err != nil {
			return err
		}
		if deny {
			fmt.Fprintln(cmd.OutOrStdout(), "download refused")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "download approved")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent transcripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		reply, err := request(protocol.SubjectCommandHistory, protocol.Command{Limit: limit})
		if err != nil {
			return err
		}
		if len(reply.History) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no transcripts recorded")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tLATENCY\tTEXT")
		for _, h := range reply.History {
			text := h.Text
			if h.Kind == "error" {
				text = fmt.Sprintf("[%s] %s", h.ErrorKind, h.Text)
			}
			latency := "-"
			if h.LatencyMS > 0 {
				latency = (time.Duration(h.LatencyMS) * time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", humanize.Time(h.CreatedAt), latency, text)
		}
		return w.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream pipeline events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		client, err := connect(dialCtx)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()

		raw, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()
		sub, err := client.Conn().Subscribe(protocol.SubjectEventPrefix+".>", func(msg *nats.Msg) {
			if raw {
				fmt.Fprintf(out, "%s %s\n", msg.Subject, msg.Data)
				return
			}
			fmt.Fprintln(out, describeEvent(msg.Subject, msg.Data))
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		<-ctx.Done()
		return nil
	},
}

func describeEvent(subject string, data []byte) string {
	switch subject {
	case protocol.SubjectEventState:
		var e protocol.StateChanged
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("state    %s -> %s", e.Previous, e.State)
		}
	case protocol.SubjectEventPartial, protocol.SubjectEventFinal:
		var e protocol.Transcript
		if json.Unmarshal(data, &e) == nil {
			if e.Final {
				return fmt.Sprintf("final    #%d %q (%dms)", e.UtteranceID, e.Text, e.LatencyMS)
			}
			return fmt.Sprintf("partial  #%d %q", e.UtteranceID, e.Text)
		}
	case protocol.SubjectEventError:
		var e protocol.ErrorEvent
		if json.Unmarshal(data, &e) == nil {
			fatal := ""
			if e.Fatal {
				fatal = " (fatal, run reset)"
			}
			return fmt.Sprintf("error    %s: %s%s", e.Kind, e.Message, fatal)
		}
	case protocol.SubjectEventDevice:
		var e protocol.DeviceWarning
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("device   %s", e.Message)
		}
	case protocol.SubjectEventConsent:
		var e protocol.ConsentRequest
		if json.Unmarshal(data, &e) == nil {
			size := ""
			if e.ApproxBytes > 0 {
				size = ", " + humanize.Bytes(e.ApproxBytes)
			}
			return fmt.Sprintf("consent  download %s%s? answer with: dictatectl consent %s [--deny]", e.Description, size, e.ID)
		}
	case protocol.SubjectEventProgress:
		var e protocol.DownloadProgress
		if json.Unmarshal(data, &e) == nil {
			if e.Fraction < 0 {
				return fmt.Sprintf("progress %s download failed", e.Model.Size)
			}
			return fmt.Sprintf("progress %s %.0f%%", e.Model.Size, e.Fraction*100)
		}
	}
	return fmt.Sprintf("%s %s", subject, data)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices on this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opener, err := mic.NewOpener(logger())
		if err != nil {
			return err
		}
		defer opener.Close()
		devices, err := opener.Devices()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEFAULT\tNAME\tCHANNELS\tRATE")
		for _, d := range devices {
			mark := ""
			if d.IsDefault {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\n", mark, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
