package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/realtime"
)

const consoleHelp = `commands:
  /to <user>        chat with a user
  /group <id>       chat in a group
  /call [video]     call the current user
  /accept /reject   answer a ringing call
  /hangup           end the current call
  /retry [id]       resend a failed message (default: the last one)
  /history          reload the current conversation
  /users            list known users
  /status           connection and call state
  /quit
anything else is sent to the current conversation`

// Console is a line-oriented front end over a Client.
type Console struct {
	c   *Client
	out io.Writer

	outMu sync.Mutex

	mu         sync.Mutex
	target     proto.Target
	leaveGroup func()
	incoming   *call.IncomingCall
	lastFailed string
}

// NewConsole binds a console to c, writing to out.
func NewConsole(c *Client, out io.Writer) *Console {
	return &Console{c: c, out: out}
}

func (k *Console) printf(format string, args ...any) {
	k.outMu.Lock()
	defer k.outMu.Unlock()
	fmt.Fprintf(k.out, format+"\n", args...)
}

// Target is the current conversation.
func (k *Console) Target() proto.Target {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.target
}

// Watch prints engine events until ctx is done.
func (k *Console) Watch(ctx context.Context) {
	msgs, stopMsgs := k.c.Chat.Subscribe()
	typing, stopTyping := k.c.Typing.Subscribe()
	stopStatus := k.c.Conn.Observe(k.onStatus)
	stopIncoming := k.c.Calls.OnIncoming(k.onIncoming)
	stopCalls := k.c.Calls.Observe(k.onCall)

	go func() {
		defer func() {
			stopMsgs()
			stopTyping()
			stopStatus()
			stopIncoming()
			stopCalls()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-msgs:
				if !ok {
					return
				}
				k.onMessage(ev)
			case ev, ok := <-typing:
				if !ok {
					return
				}
				if ev.IsTyping {
					k.printf("... %s is typing in %s", ev.UserID, ev.Target)
				}
			}
		}
	}()
}

func (k *Console) onMessage(ev chat.Event) {
	m := ev.Message
	switch ev.Kind {
	case chat.EventAdded:
		if m.FromUserID != k.c.UserID() {
			k.printf("[%s] %s: %s", ev.Target, m.FromUserID, m.Content)
		}
	case chat.EventUpdated:
		if m.Status == chat.Failed {
			k.mu.Lock()
			k.lastFailed = m.ClientMessageID
			k.mu.Unlock()
			k.printf("! not delivered: %q (/retry %s)", m.Content, m.ClientMessageID)
		}
	case chat.EventReplaced:
		k.printf("(%s reloaded)", ev.Target)
	}
}

func (k *Console) onStatus(s realtime.Status) {
	switch s.State {
	case realtime.Reconnecting:
		k.printf("* reconnecting (attempt %d)", s.ReconnectAttempts)
	case realtime.Open:
		k.printf("* connected as %s", s.UserID)
	case realtime.Closed:
		if s.Err != nil {
			k.printf("* connection closed: %v", s.Err)
		}
	}
}

func (k *Console) onIncoming(in call.IncomingCall) {
	k.mu.Lock()
	k.incoming = &in
	k.mu.Unlock()
	k.printf("* incoming %s call from %s, /accept or /reject", in.CallType, in.FromUserID)
}

func (k *Console) onCall(s call.Session) {
	switch s.State {
	case call.Outgoing:
		k.printf("* calling %s", s.PeerUserID)
	case call.Connected:
		k.printf("* %s call with %s connected", s.CallType, s.PeerUserID)
	case call.Ended:
		k.mu.Lock()
		k.incoming = nil
		k.mu.Unlock()
		if s.EndReason != "" {
			k.printf("* call ended: %s", s.EndReason)
		}
	}
}

// Exec runs one input line. It reports false when the console should exit.
func (k *Console) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		k.say(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		k.printf("%s", consoleHelp)
	case "to":
		k.open(ctx, proto.ToUser(arg))
	case "group":
		k.open(ctx, proto.ToGroup(arg))
	case "history":
		k.history(ctx)
	case "retry":
		k.retry(arg)
	case "call":
		k.startCall(ctx, arg == "video")
	case "accept":
		k.accept()
	case "reject":
		k.reject()
	case "hangup":
		if err := k.c.Calls.EndCall(proto.ReasonHungup); err != nil {
			k.printf("! %v", err)
		}
	case "users":
		k.users(ctx)
	case "status":
		s := k.c.Conn.Status()
		k.printf("connection: %s user=%s attempts=%d", s.State, s.UserID, s.ReconnectAttempts)
		k.printf("call: %s %s", k.c.Calls.Session().State, k.c.Calls.Session().PeerUserID)
		k.printf("groups: %s", strings.Join(k.c.Groups.Active(), ", "))
	default:
		k.printf("! unknown command /%s (try /help)", cmd)
	}
	return true
}

func (k *Console) say(text string) {
	target := k.Target()
	if !target.Valid() {
		k.printf("! pick a conversation first: /to <user> or /group <id>")
		return
	}
	k.c.Typing.Input(target, text)
	if _, err := k.c.Send(target, text); err != nil {
		if !errors.Is(err, chat.ErrSendFailed) {
			k.printf("! %v", err)
		}
	}
}

// open switches the current conversation. Group views hold one subscription,
// released when the view moves elsewhere.
func (k *Console) open(ctx context.Context, target proto.Target) {
	if !target.Valid() {
		k.printf("! missing id")
		return
	}
	k.mu.Lock()
	prev := k.leaveGroup
	k.mu.Unlock()

	var leave func()
	if target.IsGroup() {
		next, err := k.c.Groups.Switch(prev, target.GroupID)
		if err != nil {
			k.printf("! %v", err)
			return
		}
		leave = next
	} else if prev != nil {
		prev()
	}

	k.mu.Lock()
	k.target = target
	k.leaveGroup = leave
	k.mu.Unlock()
	k.printf("* now in %s", target)
	k.history(ctx)
}

func (k *Console) history(ctx context.Context) {
	target := k.Target()
	if !target.Valid() {
		return
	}
	msgs, err := k.c.Load(ctx, target)
	if err != nil {
		k.printf("! history: %v", err)
		return
	}
	for _, m := range msgs {
		k.printf("  %s %s: %s", m.CreatedAt.Format("15:04"), m.FromUserID, m.Content)
	}
}

func (k *Console) retry(cmid string) {
	if cmid == "" {
		k.mu.Lock()
		cmid = k.lastFailed
		k.mu.Unlock()
	}
	if cmid == "" {
		k.printf("! nothing to retry")
		return
	}
	if _, err := k.c.Chat.Retry(cmid); err != nil {
		k.printf("! retry: %v", err)
	}
}

func (k *Console) startCall(ctx context.Context, video bool) {
	target := k.Target()
	if target.ToUserID == "" {
		k.printf("! calls need a user conversation")
		return
	}
	if _, err := k.c.Call(ctx, target.ToUserID, video); err != nil {
		k.printf("! call: %v", err)
	}
}

func (k *Console) pending() *call.IncomingCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	in := k.incoming
	k.incoming = nil
	return in
}

func (k *Console) accept() {
	in := k.pending()
	if in == nil {
		k.printf("! no incoming call")
		return
	}
	if _, err := in.Accept(); err != nil {
		k.printf("! accept: %v", err)
	}
}

func (k *Console) reject() {
	in := k.pending()
	if in == nil {
		k.printf("! no incoming call")
		return
	}
	if err := in.Reject(); err != nil {
		k.printf("! reject: %v", err)
	}
}

func (k *Console) users(ctx context.Context) {
	users, err := k.c.History.ListUsers(ctx)
	if err != nil {
		k.printf("! users: %v", err)
		return
	}
	for _, u := range users {
		mark := " "
		if u.Online {
			mark = "*"
		}
		k.printf(" %s %s", mark, u.UserID)
	}
}

// RunConsole logs in with the config in dir and reads commands from in until
// EOF, /quit or ctx is cancelled. Log level edits to the config file apply
// while it runs.
func RunConsole(ctx context.Context, dir string, cfg config.Config, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := config.Watch(ctx, config.PathIn(dir), func(c config.Config) {
		if err := logging.SetLogLevel("*", c.Log.Level); err == nil {
			log.Infof("CONFIG: log level %s", c.Log.Level)
		}
	}); err != nil {
		log.Warnf("CONFIG: watch disabled: %v", err)
	}

	c := NewClient(ClientOptions{Config: cfg, Dir: dir})
	defer c.Close()

	k := NewConsole(c, out)
	k.Watch(ctx)
	if err := c.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	k.printf("type /help for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || !k.Exec(ctx, line) {
				return nil
			}
		}
	}
}
