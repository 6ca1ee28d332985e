package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/hamrah-ai/hamrah/pkg/core/call"
)

// runCall opens a live session and drives it from the terminal until the
// call ends. Device or connection failures abort the call, not the
// process.
func (a *app) runCall(ctx context.Context, sc *bufio.Scanner) {
	fmt.Fprintf(a.out, "calling %s...\n", a.settings.AIName)

	live, err := a.svc.ConnectLive(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "call failed: %v\n", err)
		return
	}

	sess := call.StartSession(ctx, live, call.SessionOptions{
		Logger: a.logger.With("component", "call"),
	})
	defer sess.End()

	// Subtitle printer. Polls the rolling transcripts and prints each
	// line once.
	stopSubs := make(chan struct{})
	go func() {
		var lastUser, lastAI string
		tick := time.NewTicker(300 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stopSubs:
				return
			case <-sess.Done():
				return
			case <-tick.C:
				user, ai := sess.Transcripts()
				if user != "" && user != lastUser {
					fmt.Fprintf(a.out, "  you: %s\n", user)
					lastUser = user
				}
				if ai != "" && ai != lastAI {
					fmt.Fprintf(a.out, "  %s: %s\n", a.settings.AIName, ai)
					lastAI = ai
				}
			}
		}
	}()
	defer close(stopSubs)

	fmt.Fprintln(a.out, "in call: /mute /speaker /ptt (then Enter to toggle talk) /camera /flip /end")
	for {
		select {
		case <-sess.Done():
			fmt.Fprintln(a.out, "call ended")
			return
		default:
		}
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "/end":
			sess.End()
			fmt.Fprintln(a.out, "call ended")
			return
		case "/mute":
			sess.SetMuted(!sess.Muted())
			fmt.Fprintf(a.out, "muted: %v\n", sess.Muted())
		case "/speaker":
			sess.SetSpeakerOn(!sess.SpeakerOn())
			fmt.Fprintf(a.out, "speaker: %v\n", sess.SpeakerOn())
		case "/ptt":
			enabled := !sess.PTTMode()
			sess.SetPTTMode(enabled)
			fmt.Fprintf(a.out, "push-to-talk: %v\n", enabled)
		case "":
			if sess.PTTMode() {
				active := !sess.PTTActive()
				sess.SetPTTActive(active)
				if active {
					fmt.Fprintln(a.out, "talking (Enter to release)")
				} else {
					fmt.Fprintln(a.out, "released")
				}
			}
		case "/camera":
			if sess.VideoOn() {
				sess.StopVideo()
				fmt.Fprintln(a.out, "camera off")
			} else if err := sess.StartVideo(); err != nil {
				fmt.Fprintf(a.out, "camera failed: %v\n", err)
			} else {
				fmt.Fprintln(a.out, "camera on")
			}
		case "/flip":
			if err := sess.SwitchCamera(); err != nil {
				fmt.Fprintf(a.out, "switch camera failed: %v\n", err)
			} else {
				fmt.Fprintf(a.out, "camera: %s\n", sess.Facing())
			}
		default:
			fmt.Fprintln(a.out, "in call: /mute /speaker /ptt /camera /flip /end")
		}
	}
}

// playPCM plays 16-bit mono PCM at the synthesis sample rate through a
// one-shot ffplay process.
func playPCM(pcm []byte) error {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return errors.New("ffplay not found in PATH")
	}
	cmd := exec.Command("ffplay",
		"-hide_banner", "-loglevel", "error", "-nostats",
		"-autoexit", "-nodisp",
		"-f", "s16le", "-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", call.PlaybackSampleRate),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write(pcm); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	_ = stdin.Close()
	return cmd.Wait()
}
