package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/duocall/internal/call"
	"github.com/1ureka/duocall/internal/config"
	"github.com/1ureka/duocall/internal/signaling"
	"github.com/1ureka/duocall/internal/transport"
	"github.com/1ureka/duocall/internal/util"
)

// Phone is one endpoint: a relay connection driving a call engine.
type Phone struct {
	self   signaling.UserInfo
	client *signaling.Client
	engine *call.Engine
}

// NewPhone connects to the relay as cfg.SelfID and starts the engine.
// factory may be nil to use the pion transport configured by cfg.
func NewPhone(ctx context.Context, cfg *config.Config, factory call.TransportFactory, observer call.Observer) (*Phone, error) {
	if err := cfg.RequireIdentity(); err != nil {
		return nil, err
	}

	if factory == nil {
		f, err := transport.Factory(transport.Config{
			STUNServers: cfg.STUNServers,
			PLIInterval: cfg.PLIInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build media stack: %w", err)
		}
		factory = f
	}

	client, err := signaling.Dial(ctx, cfg.RelayURL, cfg.SelfID)
	if err != nil {
		return nil, err
	}

	self := signaling.UserInfo{ID: cfg.SelfID, Name: cfg.Name, Avatar: cfg.Avatar}
	opts := []call.Option{
		call.WithRingTimeout(cfg.RingTimeout),
		call.WithGraceWindow(cfg.GraceWindow),
	}
	if observer != nil {
		opts = append(opts, call.WithObserver(observer))
	}
	engine := call.NewEngine(ctx, self, client, factory, opts...)
	client.OnMessage(engine.HandleSignal)

	return &Phone{self: self, client: client, engine: engine}, nil
}

// Engine returns the phone's call engine.
func (p *Phone) Engine() *call.Engine {
	return p.engine
}

// Close stops the engine and leaves the relay.
func (p *Phone) Close() {
	p.engine.Close()
	p.client.Close()
}

// RunPhone runs an interactive endpoint reading commands from in until
// "quit", end of input, ctx cancellation or loss of the relay.
func RunPhone(ctx context.Context, cfg *config.Config, in io.Reader) error {
	phone, err := NewPhone(ctx, cfg, nil, printEvent)
	if err != nil {
		return err
	}
	defer phone.Close()

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}
	util.LogSuccess("connected to %s as %s", cfg.RelayURL, cfg.SelfID)
	printHelp()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := phone.Exec(ctx, line)
			if err != nil {
				util.LogWarning("%v", err)
			}
			if quit {
				return nil
			}

		case <-phone.client.Done():
			return errors.New("lost connection to relay")

		case <-ctx.Done():
			return nil
		}
	}
}

// Exec runs one console command. It reports whether the phone should quit.
func (p *Phone) Exec(ctx context.Context, line string) (bool, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}

	switch cmd.name {
	case "":
		return false, nil
	case "quit":
		if snap := p.engine.Snapshot(); snap.State != call.StateIdle {
			_ = p.engine.Hangup(ctx)
		}
		return true, nil
	case "help":
		printHelp()
		return false, nil
	case "status":
		printStatus(p.engine.Snapshot())
		return false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cmd.name {
	case "call":
		peer := signaling.UserInfo{ID: cmd.peer, Name: cmd.peer}
		return false, p.engine.StartCall(opCtx, peer, cmd.callType)
	case "accept":
		return false, p.engine.AcceptCall(opCtx)
	case "reject":
		return false, p.engine.RejectCall(opCtx)
	case "hangup":
		return false, p.engine.Hangup(opCtx)
	case "switch":
		return false, p.engine.SwitchCamera(opCtx)
	case "reset":
		return false, p.engine.Reset(opCtx)
	case "mute", "camera", "speaker":
		var flags call.ControlFlags
		switch cmd.name {
		case "mute":
			flags, err = p.engine.ToggleMute(opCtx)
		case "camera":
			flags, err = p.engine.ToggleCamera(opCtx)
		default:
			flags, err = p.engine.ToggleSpeaker(opCtx)
		}
		if err == nil {
			printFlags(flags)
		}
		return false, err
	}
	return false, fmt.Errorf("unhandled command %q", cmd.name)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

type command struct {
	name     string
	peer     string
	callType signaling.CallType
}

var simpleCommands = map[string]bool{
	"accept": true, "reject": true, "hangup": true,
	"mute": true, "camera": true, "speaker": true, "switch": true,
	"status": true, "reset": true, "help": true, "quit": true,
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return command{}, nil
	}

	name := fields[0]
	switch name {
	case "exit", "q":
		name = "quit"
	case "?":
		name = "help"
	}

	if name == "call" {
		if len(fields) < 2 || len(fields) > 3 {
			return command{}, errors.New("usage: call <id> [audio|video]")
		}
		cmd := command{name: name, peer: fields[1], callType: signaling.CallAudio}
		if len(fields) == 3 {
			cmd.callType = signaling.CallType(fields[2])
			if !cmd.callType.Valid() {
				return command{}, fmt.Errorf("unknown call type %q", fields[2])
			}
		}
		return cmd, nil
	}

	if !simpleCommands[name] {
		return command{}, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	if len(fields) > 1 {
		return command{}, fmt.Errorf("%s takes no arguments", name)
	}
	return command{name: name}, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// printEvent renders engine events. It runs on the engine loop.
func printEvent(ev call.Event) {
	who := "peer"
	if ev.Peer != nil {
		who = ev.Peer.ID
		if ev.Peer.Name != "" && ev.Peer.Name != ev.Peer.ID {
			who = fmt.Sprintf("%s (%s)", ev.Peer.Name, ev.Peer.ID)
		}
	}

	switch ev.Kind {
	case call.EventStateChanged:
		switch ev.State {
		case call.StateIncoming:
			pterm.Info.Printfln("incoming call from %s, type accept or reject", who)
		case call.StateConnected:
			util.LogSuccess("in call with %s", who)
		case call.StateIdle:
			pterm.Info.Println("idle")
		default:
			util.LogDebug("state %s", ev.State)
		}
	case call.EventRemoteBusy:
		pterm.Warning.Printfln("%s is busy", who)
	case call.EventRemoteReject:
		pterm.Warning.Printfln("%s declined the call", who)
	case call.EventRemoteHangup:
		pterm.Info.Printfln("%s hung up", who)
	case call.EventRingTimeout:
		pterm.Warning.Printfln("%s did not answer", who)
	case call.EventRemoteStream:
		if ev.Stream != nil {
			util.LogInfo("receiving %s from %s", ev.Stream.Kind, who)
		}
	case call.EventError:
		pterm.Error.Printfln("%v", ev.Err)
	}
}

func printStatus(snap call.Snapshot) {
	rows := pterm.TableData{
		{"state", string(snap.State)},
		{"role", string(snap.Role)},
		{"type", string(snap.MediaType)},
	}
	if snap.RemotePeer != nil {
		rows = append(rows, []string{"peer", snap.RemotePeer.ID})
	}
	if !snap.ConnectedAt.IsZero() {
		rows = append(rows, []string{"duration", time.Since(snap.ConnectedAt).Truncate(time.Second).String()})
	}
	if snap.CallID != "" {
		rows = append(rows, []string{"call", snap.CallID})
	}
	rows = append(rows, []string{"flags", formatFlags(snap.Flags)})

	pterm.DefaultTable.WithData(rows).Render()
}

func printFlags(f call.ControlFlags) {
	pterm.Info.Println(formatFlags(f))
}

func formatFlags(f call.ControlFlags) string {
	camera := "front"
	if !f.FrontCamera {
		camera = "back"
	}
	return fmt.Sprintf("muted=%t camera=%t (%s) speaker=%t", f.Muted, f.CameraOn, camera, f.SpeakerOn)
}

func printHelp() {
	pterm.DefaultSection.Println("Commands")
	pterm.Println("  call <id> [audio|video]   ring another endpoint")
	pterm.Println("  accept | reject          answer or decline an incoming call")
	pterm.Println("  hangup                   end the current call")
	pterm.Println("  mute | camera | speaker  toggle local controls")
	pterm.Println("  switch                   swap front/back camera (video calls)")
	pterm.Println("  status | reset | quit")
}
