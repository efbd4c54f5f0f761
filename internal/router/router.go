// Package router dispatches decoded frames to the owning component and
// shapes every response into the uniform ack/result/error envelope.
// Commands are sanitized, rate limited and deduplicated by requestId
// before any component sees them.
package router

import (
	"log"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"liku-server/internal/agent"
	"liku-server/internal/auth"
	"liku-server/internal/chat"
	"liku-server/internal/game"
	"liku-server/internal/hub"
	"liku-server/internal/matchmaking"
	"liku-server/internal/protocol"
	"liku-server/internal/ratelimit"
	"liku-server/internal/session"
	"liku-server/internal/spectator"
)

// ackCache bounds the idempotency window for requestId replays.
const (
	ackCacheSize = 4096
	ackCacheTTL  = 5 * time.Minute
)

// universalKeys is the closed set accepted on key frames.
var universalKeys = []string{
	"up", "down", "left", "right",
	"enter", "space", "escape",
	"menu_next", "menu_prev", "menu_select",
}

// Router is the command dispatch layer between the hub and the domain
// components.
type Router struct {
	hub      *hub.Hub
	agents   *agent.Registry
	games    *game.Registry
	sessions *session.Manager
	match    *matchmaking.Matchmaker
	chat     *chat.Manager
	cast     *spectator.Broadcaster
	limiter  *ratelimit.Limiter
	apiKeys  *auth.APIKeyService

	acks *lru.LRU[string, *protocol.ServerMessage]

	actions map[string]actionHandler
	queries map[string]queryHandler
}

type actionHandler func(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error)

type queryHandler func(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error)

type Deps struct {
	Hub      *hub.Hub
	Agents   *agent.Registry
	Games    *game.Registry
	Sessions *session.Manager
	Match    *matchmaking.Matchmaker
	Chat     *chat.Manager
	Cast     *spectator.Broadcaster
	Limiter  *ratelimit.Limiter
	APIKeys  *auth.APIKeyService
}

func New(deps Deps) *Router {
	r := &Router{
		hub:      deps.Hub,
		agents:   deps.Agents,
		games:    deps.Games,
		sessions: deps.Sessions,
		match:    deps.Match,
		chat:     deps.Chat,
		cast:     deps.Cast,
		limiter:  deps.Limiter,
		apiKeys:  deps.APIKeys,
		acks:     lru.NewLRU[string, *protocol.ServerMessage](ackCacheSize, nil, ackCacheTTL),
	}
	r.actions = map[string]actionHandler{
		"register":       r.handleRegister,
		"create_session": r.handleCreateSession,
		"game_join":      r.handleGameJoin,
		"game_ready":     r.handleGameReady,
		"game_move":      r.handleGameMove,
		"game_forfeit":   r.handleGameForfeit,
		"game_leave":     r.handleGameLeave,
		"game_rematch":   r.handleGameRematch,
		"host_game":      r.handleHostGame,
		"join_match":     r.handleJoinMatch,
		"cancel_match":   r.handleCancelMatch,
		"list_matches":   r.handleListMatches,
		"spectate_match": r.handleSpectate,
		"spectate_tier":  r.handleSpectateTier,
		"spectate_stop":  r.handleSpectateStop,
		"chat_join":      r.handleChatJoin,
		"chat_leave":     r.handleChatLeave,
		"chat_send":      r.handleChatSend,
		"chat_emote":     r.handleChatEmote,
		"chat_whisper":   r.handleChatWhisper,
		"chat_react":     r.handleChatReact,
		"chat_unreact":   r.handleChatUnreact,
		"chat_mute":      r.handleChatMute,
		"chat_unmute":    r.handleChatUnmute,
		"chat_kick":      r.handleChatKick,
		"chat_delete":    r.handleChatDelete,
		"chat_typing":    r.handleChatTyping,
	}
	r.queries = map[string]queryHandler{
		"session_state":   r.querySessionState,
		"session_list":    r.querySessionList,
		"session_history": r.querySessionHistory,
		"legal_actions":   r.queryLegalActions,
		"agent_info":      r.queryAgentInfo,
		"match_lookup":    r.queryMatchLookup,
		"chat_history":    r.queryChatHistory,
		"spectator_stats": r.querySpectatorStats,
		"server_info":     r.queryServerInfo,
	}
	return r
}

// HandleMessage implements the hub's frame consumer. Panics in any handler
// surface as INTERNAL; the connection and session survive.
func (r *Router) HandleMessage(c *hub.Conn, msg *protocol.ClientMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Router] Panic handling %s from %s: %v", msg.Type, c.ID, rec)
			_ = c.Send(protocol.ErrorMessage(msg.RequestID,
				protocol.NewError(protocol.KindInternal, "internal server error")))
		}
	}()

	// Pings bypass the limiter so latency probes survive a ban.
	if msg.Type == protocol.TypePing {
		r.handlePing(c, msg)
		return
	}
	if msg.Type == protocol.TypeSubscribe || msg.Type == protocol.TypeUnsubscribe {
		r.handleSubscription(c, msg)
		return
	}

	if d := r.limiter.Allow(c.ID); !d.Allowed {
		err := protocol.NewError(protocol.KindRateLimited, "rate limited").
			WithDetail("reason", d.Reason).
			WithDetail("retryAfterSeconds", int(d.RetryAfter.Seconds()+0.5))
		_ = c.Send(protocol.ErrorMessage(msg.RequestID, err))
		return
	}

	// Duplicate commands replay the original acknowledgement.
	cacheKey := ""
	if msg.RequestID != "" {
		cacheKey = c.ID + "/" + msg.RequestID
		if cached, ok := r.acks.Get(cacheKey); ok {
			_ = c.Send(cached)
			return
		}
	}

	var reply *protocol.ServerMessage
	switch msg.Type {
	case protocol.TypeKey:
		reply = r.handleKey(c, msg)
	case protocol.TypeAction:
		reply = r.handleAction(c, msg)
	case protocol.TypeQuery:
		reply = r.handleQuery(c, msg)
	default:
		reply = protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindInvalidMessage, "unhandled frame type %q", msg.Type))
	}

	if cacheKey != "" {
		r.acks.Add(cacheKey, reply)
	}
	_ = c.Send(reply)
}

// ConnectionClosed tears down everything bound to a dropped connection.
func (r *Router) ConnectionClosed(connID, agentID string) {
	r.limiter.Forget(connID)

	a, removed := r.agents.ReleaseConnection(connID, r.sessions.AgentInActiveSession)
	if a == nil {
		return
	}
	if removed {
		// Last connection gone and no seat held: clean up viewer state.
		r.cast.DropAgent(a.ID)
		r.sessions.DropSpectator(a.ID)
		log.Printf("[Router] Agent %s torn down after disconnect", a.ID)
	}
}

func (r *Router) handlePing(c *hub.Conn, msg *protocol.ClientMessage) {
	c.TouchPing()
	r.agents.Touch(c.ID)

	data := map[string]interface{}{"serverTime": time.Now().UnixMilli()}
	if v, ok := msg.Payload["clientTime"]; ok {
		data["clientTime"] = v
	}
	// Echoed latency probes feed the spectator tier selection.
	if sentAt, ok := msg.IntField("probeSentAt"); ok {
		rtt := time.Now().UnixMilli() - int64(sentAt)
		if rtt >= 0 {
			if a, err := r.agents.GetByConnection(c.ID); err == nil {
				r.cast.RecordLatency(a.ID, float64(rtt))
			}
		}
	}
	pong := protocol.NewMessage(protocol.TypePong, data)
	pong.RequestID = msg.RequestID
	_ = c.Send(pong)
}

func (r *Router) handleSubscription(c *hub.Conn, msg *protocol.ClientMessage) {
	topic, ok := msg.StringField("topic")
	if !ok || topic == "" {
		_ = c.Send(protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindMissingField, "topic is required")))
		return
	}
	if msg.Type == protocol.TypeSubscribe {
		c.Subscribe(topic)
	} else {
		c.Unsubscribe(topic)
	}
	_ = c.Send(protocol.NewAck(msg.RequestID, map[string]interface{}{
		"topic":      topic,
		"subscribed": msg.Type == protocol.TypeSubscribe,
	}))
}

// handleKey accepts the closed universal key set and relays it to the
// agent's session topic.
func (r *Router) handleKey(c *hub.Conn, msg *protocol.ClientMessage) *protocol.ServerMessage {
	key, _ := msg.StringField("key")
	key = sanitizeName(key)
	if !validKey(key) {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindInvalidKey, "unknown key %q", key).
				WithDetail("validKeys", universalKeys))
	}

	a, err := r.agents.GetByConnection(c.ID)
	if err != nil {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindAuthFailed, "register before sending keys"))
	}
	r.agents.Touch(c.ID)

	if sessionID, ok := msg.StringField("sessionId"); ok && sessionID != "" {
		if _, err := r.sessions.Get(sessionID); err == nil {
			r.hub.PublishSessionEvent(sessionID, "KeyPressed", map[string]interface{}{
				"agentId": a.ID,
				"key":     key,
			})
		}
	}
	return protocol.NewAck(msg.RequestID, map[string]interface{}{"key": key})
}

func (r *Router) handleAction(c *hub.Conn, msg *protocol.ClientMessage) *protocol.ServerMessage {
	started := time.Now()

	name, ok := msg.StringField("action")
	if !ok || name == "" {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindMissingField, "action is required"))
	}
	name = sanitizeName(name)

	// The chess namespace maps onto the generic session actions once a
	// chess protocol is registered.
	if rest, found := strings.CutPrefix(name, "chess_"); found {
		if _, err := r.games.Get("chess"); err != nil {
			return protocol.ErrorMessage(msg.RequestID,
				protocol.NewError(protocol.KindInvalidAction, "chess is not available on this server").
					WithDetail("validActions", r.actionNames()))
		}
		name = "game_" + rest
	}

	handler, ok := r.actions[name]
	if !ok {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindInvalidAction, "unknown action %q", name).
				WithDetail("validActions", r.actionNames()))
	}

	var a *agent.Agent
	if name != "register" {
		var err error
		a, err = r.agents.GetByConnection(c.ID)
		if err != nil {
			return protocol.ErrorMessage(msg.RequestID,
				protocol.NewError(protocol.KindAuthFailed, "register before issuing commands"))
		}
	}

	data, err := handler(c, a, msg)
	if err != nil {
		return protocol.ErrorMessage(msg.RequestID, err)
	}
	if a != nil {
		r.agents.RecordCommand(a.ID, time.Since(started))
	}
	return protocol.NewAck(msg.RequestID, data)
}

func (r *Router) handleQuery(c *hub.Conn, msg *protocol.ClientMessage) *protocol.ServerMessage {
	name, ok := msg.StringField("query")
	if !ok || name == "" {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindMissingField, "query is required"))
	}
	name = sanitizeName(name)

	handler, ok := r.queries[name]
	if !ok {
		return protocol.ErrorMessage(msg.RequestID,
			protocol.NewError(protocol.KindUnknownCommand, "unknown query %q", name).
				WithDetail("validQueries", r.queryNames()))
	}

	a, _ := r.agents.GetByConnection(c.ID)
	data, err := handler(c, a, msg)
	if err != nil {
		return protocol.ErrorMessage(msg.RequestID, err)
	}
	if a != nil {
		r.agents.RecordQuery(a.ID)
	}
	result := protocol.NewMessage(protocol.TypeResult, data)
	result.RequestID = msg.RequestID
	return result
}

// --- agent ---

func (r *Router) handleRegister(c *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	name, _ := msg.StringField("name")
	typeHint, _ := msg.StringField("type")
	roleHint, _ := msg.StringField("role")

	identity := r.hub.Identity(c.ID)

	role := agent.Role(roleHint)
	switch role {
	case agent.RolePlayer, agent.RoleSpectator:
	case agent.RoleAdmin:
		// Admin requires a configured API key; the token role alone is not
		// enough.
		key, _ := msg.StringField("apiKey")
		if err := r.apiKeys.Verify(key); err != nil {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "admin key rejected")
		}
	default:
		role = ""
	}
	if role == "" && identity.Role == string(agent.RoleAdmin) && identity.Validated {
		role = agent.RoleAdmin
	}

	var metadata map[string]interface{}
	if raw, ok := msg.Payload["metadata"].(map[string]interface{}); ok {
		metadata = raw
	}

	a := r.agents.Register(c.ID, agent.RegisterRequest{
		Name:     name,
		TypeHint: agent.Type(typeHint),
		Role:     role,
		AgentID:  identity.AgentID,
		Metadata: metadata,
	})
	r.hub.BindAgent(c, a.ID)

	return map[string]interface{}{
		"agentId": a.ID,
		"name":    a.Name,
		"type":    a.Type,
		"role":    a.Role,
	}, nil
}

// --- sessions ---

func (r *Router) handleCreateSession(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	gameType, ok := msg.StringField("gameType")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "gameType is required")
	}
	mode, _ := msg.StringField("mode")
	startPolicy, _ := msg.StringField("startPolicy")
	budgetMode, _ := msg.StringField("turnBudgetMode")

	params := session.CreateParams{
		GameType:          gameType,
		Mode:              mode,
		BudgetMode:        game.TurnBudgetMode(budgetMode),
		SpectatorsAllowed: true,
		StartPolicy:       startPolicy,
		AutoStart:         true,
		RematchSwapSlots:  true,
	}
	if ms, ok := msg.IntField("turnBudgetMs"); ok && ms > 0 {
		params.TurnBudget = time.Duration(ms) * time.Millisecond
	}
	if allowed, ok := msg.BoolField("spectatorsAllowed"); ok {
		params.SpectatorsAllowed = allowed
	}
	if auto, ok := msg.BoolField("autoStart"); ok {
		params.AutoStart = auto
	}
	if random, ok := msg.BoolField("randomSlots"); ok {
		params.RandomSlots = random
	}

	sess, err := r.sessions.Create(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session": sess.Info(),
		"state":   sess.StateSnapshot(),
	}, nil
}

func (r *Router) handleGameJoin(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	asSpectator, _ := msg.BoolField("asSpectator")
	preferredSlot, _ := msg.StringField("preferredSlot")

	result, err := sess.Join(a.ID, a.Name, a.Type, asSpectator, preferredSlot)
	if err != nil {
		return nil, err
	}
	c.Subscribe("session:" + sess.ID)
	c.Subscribe("room:" + sess.ID)

	role := chat.RolePlayer
	if asSpectator {
		role = chat.RoleViewer
	}
	if a.Role == agent.RoleAdmin {
		role = chat.RoleModerator
	}
	// A missing room only means the session predates chat wiring.
	_ = r.chat.Join(sess.ID, a.ID, a.Name, role)

	if asSpectator {
		tierName, _ := msg.StringField("tier")
		r.cast.Watch(sess, a.ID, spectator.Tier(tierName))
	}

	return map[string]interface{}{
		"session":   sess.Info(),
		"slot":      result.Slot,
		"spectator": result.Spectator,
		"started":   result.Started,
		"state":     sess.StateSnapshot(),
	}, nil
}

func (r *Router) handleGameReady(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	ready := true
	if v, ok := msg.BoolField("ready"); ok {
		ready = v
	}
	started, err := sess.SetReady(a.ID, ready)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ready":   ready,
		"started": started,
		"status":  sess.Status(),
	}, nil
}

func (r *Router) handleGameMove(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	move, ok := msg.Payload["move"].(map[string]interface{})
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "move is required")
	}
	reason, _ := msg.StringField("reason")

	record, result, err := sess.SubmitMove(a.ID, game.Action(move), reason)
	if err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"move":   record,
		"ended":  result.Ended,
		"state":  sess.StateSnapshot(),
		"status": sess.Status(),
	}
	if result.Ended {
		data["winner"] = result.Winner
	}
	return data, nil
}

func (r *Router) handleGameForfeit(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	if err := sess.Forfeit(a.ID); err != nil {
		return nil, err
	}
	winner, reason := sess.Winner()
	return map[string]interface{}{"winner": winner, "reason": reason}, nil
}

func (r *Router) handleGameLeave(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	if err := sess.Leave(a.ID); err != nil {
		return nil, err
	}
	r.cast.Unwatch(sess.ID, a.ID)
	_ = r.chat.Leave(sess.ID, a.ID)
	c.Unsubscribe("session:" + sess.ID)
	c.Unsubscribe("room:" + sess.ID)
	return map[string]interface{}{"left": true, "status": sess.Status()}, nil
}

func (r *Router) handleGameRematch(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	if !sess.HasPlayer(a.ID) {
		return nil, protocol.NewError(protocol.KindNotAPlayer, "only a seated player may request a rematch")
	}
	cfg := session.RematchConfig{}
	if swap, ok := msg.BoolField("swapSlots"); ok {
		cfg.SwapSlots = &swap
	}
	if err := sess.Reset(cfg); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session": sess.Info(),
		"state":   sess.StateSnapshot(),
	}, nil
}

// --- matchmaking ---

func (r *Router) handleHostGame(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	gameType, ok := msg.StringField("gameType")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "gameType is required")
	}
	if _, err := r.games.Get(gameType); err != nil {
		return nil, protocol.NewError(protocol.KindNotFound, "unknown game type %q", gameType).
			WithDetail("knownTypes", r.games.Types())
	}
	ticket, err := r.match.Host(a.ID, a.Name, gameType)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":      ticket.Code,
		"gameType":  ticket.GameType,
		"expiresAt": ticket.ExpiresAt.UnixMilli(),
	}, nil
}

func (r *Router) handleJoinMatch(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	code, ok := msg.StringField("code")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "code is required")
	}
	ticket, sess, err := r.match.Join(code, a.ID, a.Name)
	if err != nil {
		return nil, err
	}
	c.Subscribe("session:" + sess.ID)
	c.Subscribe("room:" + sess.ID)
	r.hub.SubscribeAgent(ticket.HostID, "session:"+sess.ID)
	r.hub.SubscribeAgent(ticket.HostID, "room:"+sess.ID)

	_ = r.chat.Join(sess.ID, a.ID, a.Name, chat.RolePlayer)
	_ = r.chat.Join(sess.ID, ticket.HostID, ticket.HostName, chat.RolePlayer)

	return map[string]interface{}{
		"code":           ticket.Code,
		"sessionId":      sess.ID,
		"gameType":       ticket.GameType,
		"slot":           sess.SlotOf(a.ID),
		"startingPlayer": sess.CurrentSlot(),
	}, nil
}

func (r *Router) handleCancelMatch(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	code, ok := msg.StringField("code")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "code is required")
	}
	if err := r.match.Cancel(code, a.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true}, nil
}

func (r *Router) handleListMatches(_ *hub.Conn, a *agent.Agent, _ *protocol.ClientMessage) (interface{}, error) {
	return map[string]interface{}{"matches": r.match.List(a.ID)}, nil
}

// --- spectating ---

func (r *Router) handleSpectate(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		// A match code also resolves to its session.
		code, ok := msg.StringField("code")
		if !ok {
			return nil, err
		}
		ticket, lerr := r.match.Lookup(code)
		if lerr != nil || ticket.SessionID == "" {
			return nil, err
		}
		sess, err = r.sessions.Get(ticket.SessionID)
		if err != nil {
			return nil, err
		}
	}

	if _, err := sess.Join(a.ID, a.Name, a.Type, true, ""); err != nil {
		return nil, err
	}
	c.Subscribe("session:" + sess.ID)
	c.Subscribe("room:" + sess.ID)
	_ = r.chat.Join(sess.ID, a.ID, a.Name, chat.RoleViewer)

	tierName, _ := msg.StringField("tier")
	r.cast.Watch(sess, a.ID, spectator.Tier(tierName))

	return map[string]interface{}{
		"sessionId":      sess.ID,
		"spectatorCount": sess.SpectatorCount(),
		"state":          sess.StateSnapshot(),
	}, nil
}

func (r *Router) handleSpectateTier(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sessionID, ok := msg.StringField("sessionId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "sessionId is required")
	}
	tierName, ok := msg.StringField("tier")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "tier is required")
	}
	if err := r.cast.SetTier(sessionID, a.ID, spectator.Tier(tierName)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"tier": tierName}, nil
}

func (r *Router) handleSpectateStop(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	r.cast.Unwatch(sess.ID, a.ID)
	if sess.HasSpectator(a.ID) {
		_ = sess.Leave(a.ID)
	}
	_ = r.chat.Leave(sess.ID, a.ID)
	c.Unsubscribe("session:" + sess.ID)
	c.Unsubscribe("room:" + sess.ID)
	return map[string]interface{}{"stopped": true}, nil
}

// --- chat ---

func (r *Router) handleChatJoin(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	role := chat.RoleViewer
	if a.Role == agent.RoleAdmin {
		role = chat.RoleModerator
	}
	if err := r.chat.Join(roomID, a.ID, a.Name, role); err != nil {
		return nil, err
	}
	c.Subscribe("room:" + roomID)
	return map[string]interface{}{"roomId": roomID, "role": role}, nil
}

func (r *Router) handleChatLeave(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	if err := r.chat.Leave(roomID, a.ID); err != nil {
		return nil, err
	}
	c.Unsubscribe("room:" + roomID)
	return map[string]interface{}{"left": true}, nil
}

func (r *Router) handleChatSend(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	content, _ := msg.StringField("content")
	replyTo, _ := msg.StringField("replyTo")

	m, err := r.chat.SendText(roomID, a.ID, content, replyTo)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": m.ID, "timestamp": m.Timestamp}, nil
}

func (r *Router) handleChatEmote(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	content, _ := msg.StringField("content")
	m, err := r.chat.SendEmote(roomID, a.ID, content)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": m.ID}, nil
}

func (r *Router) handleChatWhisper(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	targetID, ok := msg.StringField("targetId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "targetId is required")
	}
	content, _ := msg.StringField("content")
	m, err := r.chat.SendWhisper(roomID, a.ID, targetID, content)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": m.ID, "targetId": targetID}, nil
}

func (r *Router) handleChatReact(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, messageID, emoji, err := reactionFields(msg)
	if err != nil {
		return nil, err
	}
	if err := r.chat.AddReaction(roomID, a.ID, messageID, emoji); err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": messageID, "emoji": emoji}, nil
}

func (r *Router) handleChatUnreact(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, messageID, emoji, err := reactionFields(msg)
	if err != nil {
		return nil, err
	}
	if err := r.chat.RemoveReaction(roomID, a.ID, messageID, emoji); err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": messageID, "removed": true}, nil
}

func reactionFields(msg *protocol.ClientMessage) (roomID, messageID, emoji string, err error) {
	var ok bool
	if roomID, ok = msg.StringField("roomId"); !ok {
		return "", "", "", protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	if messageID, ok = msg.StringField("messageId"); !ok {
		return "", "", "", protocol.NewError(protocol.KindMissingField, "messageId is required")
	}
	if emoji, ok = msg.StringField("emoji"); !ok {
		return "", "", "", protocol.NewError(protocol.KindMissingField, "emoji is required")
	}
	return roomID, messageID, emoji, nil
}

func (r *Router) handleChatMute(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, targetID, err := moderationFields(msg)
	if err != nil {
		return nil, err
	}
	seconds, ok := msg.IntField("durationSeconds")
	if !ok || seconds <= 0 {
		seconds = 300
	}
	duration := time.Duration(seconds) * time.Second
	if err := r.chat.Mute(roomID, a.ID, targetID, duration); err != nil {
		return nil, err
	}
	return map[string]interface{}{"targetId": targetID, "durationSeconds": seconds}, nil
}

func (r *Router) handleChatUnmute(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, targetID, err := moderationFields(msg)
	if err != nil {
		return nil, err
	}
	if err := r.chat.Unmute(roomID, a.ID, targetID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"targetId": targetID, "unmuted": true}, nil
}

func (r *Router) handleChatKick(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, targetID, err := moderationFields(msg)
	if err != nil {
		return nil, err
	}
	if err := r.chat.Kick(roomID, a.ID, targetID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"targetId": targetID, "kicked": true}, nil
}

func moderationFields(msg *protocol.ClientMessage) (roomID, targetID string, err error) {
	var ok bool
	if roomID, ok = msg.StringField("roomId"); !ok {
		return "", "", protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	if targetID, ok = msg.StringField("targetId"); !ok {
		return "", "", protocol.NewError(protocol.KindMissingField, "targetId is required")
	}
	return roomID, targetID, nil
}

func (r *Router) handleChatDelete(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	messageID, ok := msg.StringField("messageId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "messageId is required")
	}
	if err := r.chat.DeleteMessage(roomID, a.ID, messageID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"messageId": messageID, "deleted": true}, nil
}

func (r *Router) handleChatTyping(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	if err := r.chat.Typing(roomID, a.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"typing": true}, nil
}

// --- queries ---

func (r *Router) querySessionState(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session": sess.Info(),
		"state":   sess.StateSnapshot(),
		"render":  sess.Render(),
	}, nil
}

func (r *Router) querySessionList(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	status, _ := msg.StringField("status")
	return map[string]interface{}{
		"sessions": r.sessions.List(session.Status(status)),
	}, nil
}

func (r *Router) querySessionHistory(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionId": sess.ID,
		"moves":     sess.History(),
	}, nil
}

func (r *Router) queryLegalActions(_ *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	if a == nil {
		return nil, protocol.NewError(protocol.KindAuthFailed, "register before querying legal actions")
	}
	sess, err := r.sessionFrom(msg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionId": sess.ID,
		"actions":   sess.LegalActions(a.ID),
	}, nil
}

func (r *Router) queryAgentInfo(c *hub.Conn, a *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	targetID, ok := msg.StringField("agentId")
	if !ok {
		if a == nil {
			return nil, protocol.NewError(protocol.KindMissingField, "agentId is required")
		}
		targetID = a.ID
	}
	target, err := r.agents.Get(targetID)
	if err != nil {
		return nil, protocol.NewError(protocol.KindNotFound, "agent %s not found", targetID)
	}
	return map[string]interface{}{"agent": target}, nil
}

func (r *Router) queryMatchLookup(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	code, ok := msg.StringField("code")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "code is required")
	}
	ticket, err := r.match.Lookup(code)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":      ticket.Code,
		"gameType":  ticket.GameType,
		"hostName":  ticket.HostName,
		"status":    ticket.Status,
		"expiresAt": ticket.ExpiresAt.UnixMilli(),
	}, nil
}

func (r *Router) queryChatHistory(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	roomID, ok := msg.StringField("roomId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "roomId is required")
	}
	room, err := r.chat.Get(roomID)
	if err != nil {
		return nil, err
	}
	limit, _ := msg.IntField("limit")
	return map[string]interface{}{
		"roomId":   roomID,
		"messages": room.History(limit),
	}, nil
}

func (r *Router) querySpectatorStats(_ *hub.Conn, _ *agent.Agent, msg *protocol.ClientMessage) (interface{}, error) {
	sessionID, ok := msg.StringField("sessionId")
	if !ok {
		return nil, protocol.NewError(protocol.KindMissingField, "sessionId is required")
	}
	return map[string]interface{}{
		"sessionId": sessionID,
		"watchers":  r.cast.WatcherStats(sessionID),
	}, nil
}

func (r *Router) queryServerInfo(_ *hub.Conn, _ *agent.Agent, _ *protocol.ClientMessage) (interface{}, error) {
	return map[string]interface{}{
		"protocolVersion": protocol.Version,
		"gameTypes":       r.games.Types(),
		"clients":         r.hub.CurrentClients(),
		"sessions":        r.sessions.Count(),
		"agents":          r.agents.Count(),
	}, nil
}

// --- helpers ---

func (r *Router) sessionFrom(msg *protocol.ClientMessage) (*session.Session, error) {
	sessionID, ok := msg.StringField("sessionId")
	if !ok || sessionID == "" {
		return nil, protocol.NewError(protocol.KindMissingField, "sessionId is required")
	}
	return r.sessions.Get(sessionID)
}

func (r *Router) actionNames() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) queryNames() []string {
	names := make([]string, 0, len(r.queries))
	for name := range r.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sanitizeName lowercases and strips everything outside [a-z0-9_].
func sanitizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validKey(key string) bool {
	for _, k := range universalKeys {
		if k == key {
			return true
		}
	}
	return false
}
