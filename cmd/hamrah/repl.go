package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hamrah-ai/hamrah/pkg/core/chat"
	"github.com/hamrah-ai/hamrah/pkg/core/gemini"
	"github.com/hamrah-ai/hamrah/pkg/core/types"
	"github.com/hamrah-ai/hamrah/pkg/store"
)

// app holds the REPL state: the conversation mirror, settings snapshot,
// and a pending image attachment for the next turn.
type app struct {
	svc      *chat.Service
	store    *store.Store
	logger   *slog.Logger
	out      io.Writer
	settings types.ChatSettings
	messages []types.Message

	pendingImage string
}

func (a *app) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(a.out, "%s | type a message, or /help for commands\n", a.settings.AIName)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(a.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := a.command(ctx, sc, line)
			if err != nil {
				fmt.Fprintf(a.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		a.sendTurn(ctx, line)
	}
}

func (a *app) command(ctx context.Context, sc *bufio.Scanner, line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		a.printHelp()
	case "/image":
		return false, a.attachImage(arg)
	case "/speak":
		return false, a.speak(ctx, arg)
	case "/call":
		a.runCall(ctx, sc)
	case "/settings":
		a.editSettings(sc)
	case "/clear":
		return false, a.clearHistory()
	case "/reset":
		return false, a.resetAll()
	case "/quit":
		return true, nil
	default:
		fmt.Fprintf(a.out, "unknown command %q, try /help\n", cmd)
	}
	return false, nil
}

func (a *app) printHelp() {
	fmt.Fprint(a.out, `commands:
  /image <path>    attach an image to the next message
  /speak <id|last> synthesize speech for a message
  /call            start a voice call (/camera, /mute, /ptt, /end inside)
  /settings        edit persona settings (restarts the session)
  /clear           delete the conversation history
  /reset           delete history and settings
  /quit            exit
`)
}

// sendTurn sends one user message and prints the reply. Turns without an
// attachment stream the reply text as it arrives.
func (a *app) sendTurn(ctx context.Context, text string) {
	image := a.pendingImage
	a.pendingImage = ""

	userMsg := types.Message{
		ID:        uuid.NewString(),
		Text:      text,
		Image:     image,
		Sender:    types.SenderUser,
		Timestamp: time.Now(),
	}
	a.appendAndSave(userMsg)

	var (
		reply chat.Reply
		ok    bool
	)
	if image != "" {
		// Attachment turns are not streamable; the facade resolves any
		// image call internally on this path.
		r, err := a.svc.SendMessage(ctx, text, image, "")
		if err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
			return
		}
		fmt.Fprintln(a.out, r.Text)
		reply, ok = r, true
	} else {
		reply, ok = a.streamReply(ctx, text)
	}
	if !ok {
		return
	}

	aiMsg := types.Message{
		ID:        uuid.NewString(),
		Text:      reply.Text,
		Image:     reply.GeneratedImage,
		Sender:    types.SenderAI,
		Timestamp: time.Now(),
	}
	if reply.GeneratedImage != "" {
		fmt.Fprintln(a.out, "[received an image]")
	}

	if a.settings.TTSEnabled && a.settings.TTSAutoPlay {
		if audio := a.svc.GenerateSpeech(ctx, aiMsg.Text); audio != "" {
			aiMsg.AudioB64 = audio
			a.playAudio(audio)
		}
	}
	a.appendAndSave(aiMsg)
}

// streamReply prints the reply incrementally and resolves any
// generate_image call the stream carried.
func (a *app) streamReply(ctx context.Context, text string) (chat.Reply, bool) {
	stream, err := a.svc.SendMessageStream(ctx, text, "", "")
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return chat.Reply{}, false
	}
	defer stream.Close()

	var full strings.Builder
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(a.out, "\nerror: %v\n", err)
			return chat.Reply{}, false
		}
		fmt.Fprint(a.out, fragment)
		full.WriteString(fragment)
	}
	fmt.Fprintln(a.out)

	reply := chat.Reply{Text: full.String()}
	for _, call := range stream.FunctionCalls() {
		if call.Name != "generate_image" {
			continue
		}
		prompt, _ := call.Args["prompt"].(string)
		aspect, _ := call.Args["aspectRatio"].(string)
		if aspect == "" {
			aspect = "1:1"
		}
		generated := a.svc.GenerateImage(ctx, prompt, aspect)
		follow, err := a.svc.SendToolResponse(ctx, imageToolResult(generated != ""))
		if err != nil {
			a.logger.Warn("tool response failed", "error", err)
			continue
		}
		if follow != "" {
			fmt.Fprintln(a.out, follow)
			reply.Text = follow
		}
		reply.GeneratedImage = generated
	}
	return reply, true
}

func imageToolResult(success bool) gemini.FunctionResponse {
	msg := "Image generated successfully"
	if !success {
		msg = "Image generation failed. The prompt might have been too explicit for the image model's hard-coded filters. Try a slightly less explicit prompt or focus on the atmosphere without using forbidden words."
	}
	return gemini.FunctionResponse{
		Name:     "generate_image",
		Response: map[string]any{"success": success, "message": msg},
	}
}

func (a *app) appendAndSave(msg types.Message) {
	a.messages = append(a.messages, msg)
	if err := a.store.SaveHistory(a.messages); err != nil {
		a.logger.Warn("save history", "error", err)
	}
}

// attachImage queues a local image file for the next message.
func (a *app) attachImage(path string) error {
	if path == "" {
		return errors.New("usage: /image <path>")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	mime := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".webp":
		mime = "image/webp"
	}
	a.pendingImage = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
	fmt.Fprintf(a.out, "image attached to the next message (%d bytes)\n", len(raw))
	return nil
}

// speak lazily synthesizes speech for a past AI message and caches the
// audio on the message.
func (a *app) speak(ctx context.Context, arg string) error {
	if len(a.messages) == 0 {
		return errors.New("no messages yet")
	}
	idx := -1
	if arg == "" || arg == "last" {
		for i := len(a.messages) - 1; i >= 0; i-- {
			if a.messages[i].Sender == types.SenderAI {
				idx = i
				break
			}
		}
	} else {
		for i, m := range a.messages {
			if m.ID == arg {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return errors.New("message not found")
	}
	msg := &a.messages[idx]
	if msg.Text == "" {
		return errors.New("message has no text to speak")
	}

	if msg.AudioB64 == "" {
		audio := a.svc.GenerateSpeech(ctx, msg.Text)
		if audio == "" {
			return errors.New("speech synthesis failed")
		}
		msg.AudioB64 = audio
		if err := a.store.SaveHistory(a.messages); err != nil {
			a.logger.Warn("save history", "error", err)
		}
	}
	a.playAudio(msg.AudioB64)
	return nil
}

// playAudio plays base64 PCM through ffplay. Playback failure is a
// printed note, not an error: the audio stays attached to the message.
func (a *app) playAudio(b64 string) {
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		a.logger.Warn("decode audio", "error", err)
		return
	}
	if err := playPCM(pcm); err != nil {
		fmt.Fprintf(a.out, "(audio attached; playback unavailable: %v)\n", err)
	}
}

// editSettings walks the persona fields one prompt at a time; empty input
// keeps the current value. Saving restarts the chat session.
func (a *app) editSettings(sc *bufio.Scanner) {
	s := a.settings
	prompt := func(label, current string) string {
		fmt.Fprintf(a.out, "%s [%s]: ", label, current)
		if !sc.Scan() {
			return current
		}
		v := strings.TrimSpace(sc.Text())
		if v == "" {
			return current
		}
		return v
	}

	s.AIName = prompt("AI name", s.AIName)
	if age := prompt("AI age", fmt.Sprintf("%d", s.AIAge)); age != "" {
		fmt.Sscanf(age, "%d", &s.AIAge)
	}
	s.UserName = prompt("your name", s.UserName)
	s.Persona = types.Persona(prompt("persona (doctor/partner/friend/assistant/custom)", string(s.Persona)))
	if s.Persona == types.PersonaCustom {
		s.CustomPersonaPrompt = prompt("custom persona prompt", s.CustomPersonaPrompt)
	}
	s.TTSVoice = types.TTSVoice(prompt("voice (Kore/Puck/Zephyr/Charon/Fenrir)", string(s.TTSVoice)))
	s.TTSEnabled = prompt("tts enabled (true/false)", fmt.Sprintf("%v", s.TTSEnabled)) == "true"
	s.TTSAutoPlay = prompt("tts autoplay (true/false)", fmt.Sprintf("%v", s.TTSAutoPlay)) == "true"

	a.settings = s
	if err := a.store.SaveSettings(s); err != nil {
		fmt.Fprintf(a.out, "error saving settings: %v\n", err)
		return
	}
	a.svc.StartNewChat(s, a.messages)
	fmt.Fprintln(a.out, "settings saved, session restarted")
}

func (a *app) clearHistory() error {
	if err := a.store.ClearHistory(); err != nil {
		return err
	}
	a.messages = nil
	a.svc.StartNewChat(a.settings, nil)
	fmt.Fprintln(a.out, "history cleared")
	return nil
}

func (a *app) resetAll() error {
	if err := a.store.ClearAll(); err != nil {
		return err
	}
	a.messages = nil
	a.settings = types.DefaultSettings()
	a.svc.StartNewChat(a.settings, nil)
	fmt.Fprintln(a.out, "history and settings reset to defaults")
	return nil
}
