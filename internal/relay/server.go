// Package relay is the reference relay: it authenticates websocket clients,
// persists and fans out chat messages, forwards typing and call signaling,
// and serves conversation history over HTTP.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/storage"
	"github.com/petervdpas/parley/internal/transport"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("relay")

// Error codes carried in error envelopes.
const (
	CodeBadRequest   = "bad_request"
	CodeForbidden    = "forbidden"
	CodeStoreFailed  = "store_failed"
	CodeEmptyMessage = "empty_message"
)

// Options configures a Server. DB and Verifier are required.
type Options struct {
	DB       *storage.DB
	Verifier *auth.Verifier
	Broker   Broker
	Clock    clock.Clock
}

// Server is the relay.
type Server struct {
	db       *storage.DB
	verifier *auth.Verifier
	broker   Broker
	clk      clock.Clock
	hub      *Hub
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// NewServer builds a relay. Call Start before serving.
func NewServer(opts Options) *Server {
	if opts.Broker == nil {
		opts.Broker = NewLocalBroker()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Server{
		db:       opts.DB,
		verifier: opts.Verifier,
		broker:   opts.Broker,
		clk:      opts.Clock,
		hub:      NewHub(),
		ctx:      context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start subscribes to the broker. ctx bounds the subscription and all broker
// calls made on behalf of connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.db.ResetPresence(); err != nil {
		log.Warnf("RELAY: reset presence: %v", err)
	}
	if err := s.broker.Start(ctx, func(d Delivery) { s.hub.deliver(d) }); err != nil {
		return err
	}
	s.ctx = ctx
	s.started = true
	return nil
}

// Hub exposes the local connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/users", s.handleUsers).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "online": len(s.hub.Users())})
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Infof("RELAY: shutting down")
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("RELAY: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drops every connection and releases the broker.
func (s *Server) Close() error {
	s.hub.closeAll()
	return s.broker.Close()
}

// authenticate resolves the bearer token from the Authorization header or the
// token query parameter. It writes 401 on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	user, err := s.verifier.Verify(token)
	if err != nil {
		log.Debugf("RELAY: auth failed from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return user, true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("RELAY: upgrade failed: %v", err)
		return
	}

	c := newConn(user, transport.NewWebSocket(ws, 0, 0, 0))
	s.presence(c.user, true)
	s.hub.register(c)
	go c.writePump()

	s.readPump(c)

	s.hub.unregister(c)
	c.close()
	s.presence(c.user, false)
}

func (s *Server) presence(user string, attach bool) {
	ctx := s.context()
	var err error
	if attach {
		err = s.broker.Attach(ctx, user)
	} else {
		err = s.broker.Detach(ctx, user)
	}
	if err != nil {
		log.Warnf("RELAY: presence for %s: %v", user, err)
	}
	online, _ := s.broker.Online(ctx, user)
	if err := s.db.TouchUser(user, online, s.clk.Now()); err != nil {
		log.Warnf("RELAY: touch %s: %v", user, err)
	}
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) readPump(c *Conn) {
	for {
		b, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		env, err := proto.Parse(b)
		if err != nil {
			s.replyError(c, CodeBadRequest, err.Error(), "")
			continue
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *Conn, env proto.Envelope) {
	switch typ := env.Type(); {
	case typ == proto.TypeSendMessage:
		s.handleSend(c, env)
	case typ == proto.TypeTyping:
		s.handleTyping(c, env)
	case typ == proto.TypeJoinGroup || typ == proto.TypeLeaveGroup:
		s.handleGroup(c, env)
	case proto.IsCallType(typ):
		s.handleCall(c, env)
	default:
		log.Debugf("RELAY [%s]: ignoring %q", c.id, typ)
	}
}

func (s *Server) handleSend(c *Conn, env proto.Envelope) {
	var p proto.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		s.replyError(c, CodeBadRequest, err.Error(), "")
		return
	}
	if p.ClientMessageID == "" {
		s.replyError(c, CodeBadRequest, "clientMessageId is required", "")
		return
	}
	if !p.Target.Valid() {
		s.replyError(c, CodeBadRequest, "exactly one of toUserId and groupId is required", p.ClientMessageID)
		return
	}
	if strings.TrimSpace(p.Content) == "" && len(p.Metadata) == 0 {
		s.replyError(c, CodeEmptyMessage, "message is empty", p.ClientMessageID)
		return
	}
	if p.MessageType == "" {
		p.MessageType = proto.MessageTypeText
	}
	if p.IsGroup() && !s.hub.joined(c, p.GroupID) {
		if ok, _ := s.db.IsGroupMember(p.GroupID, c.user); !ok {
			s.replyError(c, CodeForbidden, "not a member of "+p.GroupID, p.ClientMessageID)
			return
		}
	}

	row, dup, err := s.db.InsertMessage(storage.MessageRow{
		ID:               uuid.NewString(),
		ClientMessageID:  p.ClientMessageID,
		FromUser:         c.user,
		ToUser:           p.ToUserID,
		GroupID:          p.GroupID,
		MessageType:      p.MessageType,
		Content:          p.Content,
		Metadata:         string(p.Metadata),
		ReplyToMessageID: p.ReplyToMessageID,
		CreatedAt:        s.clk.Now().UTC(),
	})
	if err != nil {
		log.Errorf("RELAY: store message from %s: %v", c.user, err)
		s.replyError(c, CodeStoreFailed, "message could not be stored", p.ClientMessageID)
		return
	}

	out := proto.MustNew(proto.TypeNewMessage, payloadOf(row))
	if dup {
		log.Debugf("CHAT: duplicate %s from %s, confirming again", p.ClientMessageID, c.user)
		c.enqueue(out.Bytes())
		return
	}

	d := Delivery{Users: []string{c.user}, Data: out.Bytes()}
	if p.IsGroup() {
		d.Group = p.GroupID
	} else if p.ToUserID != c.user {
		d.Users = append(d.Users, p.ToUserID)
	}
	s.publish(d)
}

func (s *Server) handleTyping(c *Conn, env proto.Envelope) {
	var p proto.TypingPayload
	if err := env.Decode(&p); err != nil || !p.Target.Valid() {
		return
	}
	p.FromUserID = c.user
	out := proto.MustNew(proto.TypeTyping, p)

	if p.IsGroup() {
		if !s.hub.joined(c, p.GroupID) {
			return
		}
		s.publish(Delivery{Group: p.GroupID, ExceptConn: c.id, Data: out.Bytes()})
		return
	}
	if p.ToUserID == c.user {
		return
	}
	s.publish(Delivery{Users: []string{p.ToUserID}, Data: out.Bytes()})
}

func (s *Server) handleGroup(c *Conn, env proto.Envelope) {
	var p proto.GroupPayload
	if err := env.Decode(&p); err != nil {
		s.replyError(c, CodeBadRequest, err.Error(), "")
		return
	}
	groupID, err := util.ValidateID(p.GroupID)
	if err != nil {
		s.replyError(c, CodeBadRequest, err.Error(), "")
		return
	}
	if env.Type() == proto.TypeLeaveGroup {
		s.hub.leave(c, groupID)
		return
	}
	s.hub.join(c, groupID)
	if err := s.db.AddGroupMember(groupID, c.user); err != nil {
		log.Warnf("GROUP: record %s in %s: %v", c.user, groupID, err)
	}
}

func (s *Server) handleCall(c *Conn, env proto.Envelope) {
	var h proto.CallHeader
	if err := env.Decode(&h); err != nil || h.CallID == "" || h.ToUserID == "" || h.ToUserID == c.user {
		return
	}
	online, err := s.broker.Online(s.context(), h.ToUserID)
	if err != nil {
		log.Warnf("CALL [%s]: presence of %s: %v", h.CallID, h.ToUserID, err)
	}
	if !online {
		if env.Type() == proto.TypeCallOffer {
			log.Infof("CALL [%s]: %s is offline", h.CallID, h.ToUserID)
			c.enqueue(proto.MustNew(proto.TypeCallEnd, proto.CallEndPayload{
				CallID:   h.CallID,
				ToUserID: c.user,
				Reason:   proto.ReasonOffline,
			}).Bytes())
		}
		return
	}
	out, err := stampSender(env, c.user)
	if err != nil {
		log.Warnf("CALL [%s]: %v", h.CallID, err)
		return
	}
	s.publish(Delivery{Users: []string{h.ToUserID}, Data: out.Bytes()})
}

// stampSender rewrites fromUserId with the authenticated user, keeping every
// other field as sent.
func stampSender(env proto.Envelope, from string) (proto.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := env.Decode(&fields); err != nil {
		return proto.Envelope{}, err
	}
	delete(fields, "type")
	b, err := json.Marshal(from)
	if err != nil {
		return proto.Envelope{}, err
	}
	fields["fromUserId"] = b
	return proto.New(env.Type(), fields)
}

func (s *Server) publish(d Delivery) {
	if err := s.broker.Publish(s.context(), d); err != nil {
		log.Errorf("RELAY: publish: %v", err)
	}
}

func (s *Server) replyError(c *Conn, code, msg, cmid string) {
	c.enqueue(proto.MustNew(proto.TypeError, proto.ErrorPayload{
		Code:            code,
		Message:         msg,
		ClientMessageID: cmid,
	}).Bytes())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	peer, group := q.Get("peer"), q.Get("group")

	var (
		rows []storage.MessageRow
		err  error
	)
	switch {
	case peer != "" && group == "":
		rows, err = s.db.ListDirect(user, peer, limit)
	case group != "" && peer == "":
		member, merr := s.db.IsGroupMember(group, user)
		if merr != nil {
			http.Error(w, merr.Error(), http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "not a member", http.StatusForbidden)
			return
		}
		rows, err = s.db.ListGroup(group, limit)
	default:
		http.Error(w, "exactly one of peer and group is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]proto.MessagePayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, payloadOf(row))
	}
	writeJSON(w, out)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	users, err := s.db.ListUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []storage.UserRow{}
	}
	writeJSON(w, users)
}

func payloadOf(row storage.MessageRow) proto.MessagePayload {
	p := proto.MessagePayload{
		ID:               row.ID,
		ClientMessageID:  row.ClientMessageID,
		FromUserID:       row.FromUser,
		Target:           proto.Target{ToUserID: row.ToUser, GroupID: row.GroupID},
		MessageType:      row.MessageType,
		Content:          row.Content,
		ReplyToMessageID: row.ReplyToMessageID,
		CreatedAt:        row.CreatedAt,
	}
	if row.Metadata != "" {
		p.Metadata = json.RawMessage(row.Metadata)
	}
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("RELAY: write response: %v", err)
	}
}
