package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/mint/pubsub"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/elnosh/provablegbp/pgbp/wsproto"
	"github.com/gorilla/websocket"
)

const (
	maxSubscriptions = 100
	maxFilterIds     = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type WebsocketManager struct {
	clients map[*Client]bool
	sync.RWMutex
	mint *Mint
}

func NewWebSocketManager(mint *Mint) *WebsocketManager {
	return &WebsocketManager{
		clients: make(map[*Client]bool),
		mint:    mint,
	}
}

func (wm *WebsocketManager) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.mint.logErrorf("could not upgrade to websocket connection: %v", err)
		return
	}

	client := NewClient(conn, wm)
	wm.addClient(client)

	wm.mint.logDebugf("websocket connection established with %v", r.RemoteAddr)

	go client.readMessages()
	go client.writeMessages()
}

func (wm *WebsocketManager) addClient(client *Client) {
	wm.Lock()
	wm.clients[client] = true
	wm.Unlock()
}

func (wm *WebsocketManager) removeClient(client *Client) {
	wm.Lock()
	if _, ok := wm.clients[client]; ok {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

// close drops every connected client.
func (wm *WebsocketManager) close() {
	wm.Lock()
	for client := range wm.clients {
		client.close()
		delete(wm.clients, client)
	}
	wm.Unlock()
}

type Client struct {
	conn          *websocket.Conn
	subscriptions map[string]SubscriptionClient
	mu            sync.Mutex
	manager       *WebsocketManager

	// aggregate writes through this channel since there can only be one concurrent writer.
	send chan json.RawMessage
	// closed when the client is removed. Senders select on it instead
	// of send being closed under them.
	done      chan struct{}
	closeOnce sync.Once

	msgSizeLimit int64
	pongWait     time.Duration
	pingInterval time.Duration
}

func NewClient(conn *websocket.Conn, manager *WebsocketManager) *Client {
	return &Client{
		conn:          conn,
		subscriptions: make(map[string]SubscriptionClient),
		manager:       manager,
		send:          make(chan json.RawMessage),
		done:          make(chan struct{}),
		msgSizeLimit:  4096,
		pongWait:      60 * time.Second,
		pingInterval:  30 * time.Second,
	}
}

// write queues msg for the writer goroutine. Returns false if the client is gone.
func (c *Client) write(msg json.RawMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) writeJSON(v any) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		c.manager.mint.logErrorf("could not serialize websocket message: %v", err)
		return true
	}
	return c.write(msg)
}

func (c *Client) readMessages() {
	defer c.manager.removeClient(c)

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		return
	}

	c.conn.SetReadLimit(c.msgSizeLimit)
	c.conn.SetPongHandler(func(string) error {
		// increase deadline for next read to current time + pongWait
		// whenever it receives a pong response from a ping we sent
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				c.manager.mint.logDebugf("detected unexpected closed connection: %v", err)
			}
			return
		}

		// this is the only type of message clients will send to the mint
		var wsRequest wsproto.WsRequest
		if err := json.Unmarshal(msg, &wsRequest); err != nil {
			wsErr := wsproto.NewWsError(wsproto.InvalidRequestCode, "invalid request", -1)
			c.manager.mint.logDebugf("got invalid websocket request: %v", err)
			if !c.writeJSON(wsErr) {
				return
			}
			continue
		}

		wsResponse, wsError := c.processRequest(wsRequest)
		if wsError != nil {
			c.manager.mint.logDebugf("error processing websocket request: %v", wsError)
			if !c.writeJSON(wsError) {
				return
			}
			continue
		}

		if !c.writeJSON(wsResponse) {
			return
		}
	}
}

func (c *Client) writeMessages() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.manager.removeClient(c)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.manager.mint.logDebugf("could not write message on websocket connection: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.manager.mint.logDebugf("could not write ping message: %v. closing websocket connection", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) processRequest(req wsproto.WsRequest) (*wsproto.WsResponse, *wsproto.WsError) {
	switch req.Method {
	case wsproto.SUBSCRIBE:
		return c.subscriptionRequest(req)
	case wsproto.UNSUBSCRIBE:
		return c.unsubscriptionRequest(req)
	}

	wsErr := wsproto.NewWsError(wsproto.InvalidRequestCode, "invalid request method", req.Id)
	return nil, &wsErr
}

func (c *Client) subscriptionRequest(req wsproto.WsRequest) (*wsproto.WsResponse, *wsproto.WsError) {
	subId := req.Params.SubId
	if len(subId) == 0 {
		wsErr := wsproto.NewWsError(wsproto.InvalidRequestCode, "subId cannot be empty", req.Id)
		return nil, &wsErr
	}

	c.mu.Lock()
	_, exists := c.subscriptions[subId]
	count := len(c.subscriptions)
	c.mu.Unlock()

	if exists {
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", subId)
		wsErr := wsproto.NewWsError(wsproto.SubscriptionCode, errMsg, req.Id)
		return nil, &wsErr
	}
	if count >= maxSubscriptions {
		wsErr := wsproto.NewWsError(wsproto.SubscriptionCode, "reached subscription limit", req.Id)
		return nil, &wsErr
	}

	filters := req.Params.Filters
	if len(filters.Ids) > maxFilterIds {
		wsErr := wsproto.NewWsError(wsproto.FilterCode, "too many filters", req.Id)
		return nil, &wsErr
	}

	var subClient SubscriptionClient
	switch wsproto.StringToKind(req.Params.Kind) {
	case wsproto.Events:
		eventFilter, err := toEventFilter(filters)
		if err != nil {
			wsErr := wsproto.NewWsError(wsproto.FilterCode, err.Error(), req.Id)
			return nil, &wsErr
		}
		subClient = NewEventsSubClient(subId, eventFilter, filters.Ids, c.manager.mint)

	case wsproto.RequestStatus:
		if len(filters.Ids) == 0 {
			wsErr := wsproto.NewWsError(wsproto.FilterCode, "request ids cannot be empty", req.Id)
			return nil, &wsErr
		}
		for _, id := range filters.Ids {
			if _, err := c.manager.mint.GetMintRequest(id); err != nil {
				errMsg := fmt.Sprintf("mint request %v does not exist", id)
				wsErr := wsproto.NewWsError(wsproto.FilterCode, errMsg, req.Id)
				return nil, &wsErr
			}
		}
		subClient = NewRequestStatusSubClient(subId, filters.Ids, c.manager.mint)

	default:
		wsErr := wsproto.NewWsError(wsproto.InvalidRequestCode, "invalid subscription kind", req.Id)
		return nil, &wsErr
	}

	c.manager.mint.logDebugf("adding new subscription of kind '%s' with sub id '%v'", req.Params.Kind, subId)
	c.addSubscriptionClient(subId, subClient)
	go c.listenForSubscriptionUpdates(subId, subClient)

	return &wsproto.WsResponse{
		JsonRPC: wsproto.JSONRPC_2,
		Result: wsproto.Result{
			Status: wsproto.OK,
			SubId:  subId,
		},
		Id: req.Id,
	}, nil
}

func toEventFilter(filters wsproto.Filters) (pgbp.EventFilter, error) {
	eventFilter := pgbp.EventFilter{
		FromSeq:   filters.FromSeq,
		Requester: crypto.NormalizeIdentity(filters.Requester),
	}
	if len(filters.Ids) == 1 {
		eventFilter.RequestId = filters.Ids[0]
	}
	for _, kind := range filters.Kinds {
		eventKind := pgbp.StringToEventKind(kind)
		if eventKind == pgbp.UnknownEvent {
			return pgbp.EventFilter{}, fmt.Errorf("invalid event kind '%v'", kind)
		}
		eventFilter.Kinds = append(eventFilter.Kinds, eventKind)
	}
	return eventFilter, nil
}

func (c *Client) unsubscriptionRequest(req wsproto.WsRequest) (*wsproto.WsResponse, *wsproto.WsError) {
	c.mu.Lock()
	_, ok := c.subscriptions[req.Params.SubId]
	c.mu.Unlock()
	if !ok {
		errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", req.Params.SubId)
		wsErr := wsproto.NewWsError(wsproto.SubscriptionCode, errMsg, req.Id)
		return nil, &wsErr
	}

	c.manager.mint.logDebugf("got unsubscription request. Removing sub '%v'", req.Params.SubId)
	c.removeSubscriptionClient(req.Params.SubId)
	return &wsproto.WsResponse{
		JsonRPC: wsproto.JSONRPC_2,
		Result: wsproto.Result{
			Status: wsproto.OK,
			SubId:  req.Params.SubId,
		},
		Id: req.Id,
	}, nil
}

func (c *Client) addSubscriptionClient(subId string, subClient SubscriptionClient) {
	c.mu.Lock()
	c.subscriptions[subId] = subClient
	c.mu.Unlock()
}

func (c *Client) removeSubscriptionClient(subId string) {
	c.mu.Lock()
	if subClient, ok := c.subscriptions[subId]; ok {
		subClient.Close()
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()
}

// cancel all subscriptions and close websocket connection
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for subId, subClient := range c.subscriptions {
			subClient.Close()
			delete(c.subscriptions, subId)
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) listenForSubscriptionUpdates(subId string, subClient SubscriptionClient) {
	notifChan := subClient.Read()
	for {
		select {
		case notif, ok := <-notifChan:
			if !ok {
				if subClient.Dropped() {
					c.dropSubscription(subId, subClient)
				}
				return
			}
			if !c.writeJSON(notif) {
				return
			}
		case <-subClient.Context().Done():
			return
		case <-c.done:
			return
		}
	}
}

// dropSubscription tells the client the mint stopped delivering to subId
// and removes it.
func (c *Client) dropSubscription(subId string, subClient SubscriptionClient) {
	c.manager.mint.logInfof("subscription '%v' fell behind the event log and was dropped", subId)

	payload, err := json.Marshal(wsproto.ClosedPayload{
		Reason:  "subscriber too slow",
		LastSeq: subClient.LastSeq(),
	})
	if err == nil {
		c.writeJSON(wsproto.WsNotification{
			JsonRPC: wsproto.JSONRPC_2,
			Method:  wsproto.CLOSED,
			Params:  wsproto.NotificationParams{SubId: subId, Payload: payload},
		})
	}
	c.removeSubscriptionClient(subId)
}

type SubscriptionClient interface {
	Read() <-chan wsproto.WsNotification
	Context() context.Context
	// Dropped reports whether the mint stopped the subscription
	// because it could not keep up with the event log.
	Dropped() bool
	// LastSeq is the seq of the last event delivered.
	LastSeq() uint64
	Close()
}

// dropState records whether the pubsub feed dropped a subscription.
type dropState struct {
	dropped atomic.Bool
	lastSeq atomic.Uint64
}

// feedClosed is called when the subscriber's channel closes. It was
// dropped if nobody cancelled ctx first.
func (d *dropState) feedClosed(ctx context.Context) {
	if ctx.Err() == nil {
		d.dropped.Store(true)
	}
}

func (d *dropState) Dropped() bool {
	return d.dropped.Load()
}

func (d *dropState) LastSeq() uint64 {
	return d.lastSeq.Load()
}

func notification(subId string, payload any) (wsproto.WsNotification, error) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return wsproto.WsNotification{}, err
	}
	return wsproto.WsNotification{
		JsonRPC: wsproto.JSONRPC_2,
		Method:  wsproto.SUBSCRIBE,
		Params: wsproto.NotificationParams{
			SubId:   subId,
			Payload: jsonPayload,
		},
	}, nil
}

// EventsSubClient streams log events matching a filter. Events already
// in the log from filter.FromSeq on are replayed before live ones.
type EventsSubClient struct {
	subId  string
	ctx    context.Context
	cancel context.CancelFunc

	mint       *Mint
	subscriber *pubsub.Subscriber
	filter     pgbp.EventFilter
	ids        []string
	dropState
}

func NewEventsSubClient(subId string, filter pgbp.EventFilter, ids []string, mint *Mint) *EventsSubClient {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &EventsSubClient{
		subId:  subId,
		ctx:    ctx,
		cancel: cancel,
		mint:   mint,
		filter: filter,
		ids:    ids,
	}
	// subscribe before replaying so nothing appended in between is missed
	sub.subscriber = mint.publisher.Subscribe(sub.match)
	return sub
}

func (sub *EventsSubClient) match(event pgbp.Event) bool {
	if len(sub.ids) > 1 && !slices.Contains(sub.ids, event.RequestId) {
		return false
	}
	return sub.filter.Match(event)
}

func (sub *EventsSubClient) Read() <-chan wsproto.WsNotification {
	notifChan := make(chan wsproto.WsNotification)

	go func() {
		defer close(notifChan)

		var lastSeq uint64
		send := func(event pgbp.Event) bool {
			if event.Seq <= lastSeq || !sub.match(event) {
				return true
			}
			notif, err := notification(sub.subId, event)
			if err != nil {
				sub.mint.logErrorf("could not build event notification: %v", err)
				return true
			}
			select {
			case notifChan <- notif:
				lastSeq = event.Seq
				sub.lastSeq.Store(lastSeq)
				return true
			case <-sub.ctx.Done():
				return false
			}
		}

		if sub.filter.FromSeq > 0 {
			replayFilter := sub.filter
			replayFilter.Limit = 0
			events, err := sub.mint.Events(replayFilter)
			if err != nil {
				sub.mint.logErrorf("could not replay events for subscription '%v': %v", sub.subId, err)
			}
			for _, event := range events {
				if !send(event) {
					return
				}
			}
		}

		events := sub.subscriber.Events()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					sub.feedClosed(sub.ctx)
					return
				}
				if !send(event) {
					return
				}
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	return notifChan
}

func (sub *EventsSubClient) Context() context.Context {
	return sub.ctx
}

func (sub *EventsSubClient) Close() {
	sub.cancel()
	sub.mint.publisher.Unsubscribe(sub.subscriber)
}

// RequestStatusSubClient sends the current status of each watched
// request and then a notification on every status change.
type RequestStatusSubClient struct {
	subId  string
	ctx    context.Context
	cancel context.CancelFunc

	mint       *Mint
	subscriber *pubsub.Subscriber
	requests   map[string]pgbp.Status
	dropState
}

func NewRequestStatusSubClient(subId string, ids []string, mint *Mint) *RequestStatusSubClient {
	ctx, cancel := context.WithCancel(context.Background())

	requests := make(map[string]pgbp.Status, len(ids))
	for _, id := range ids {
		requests[id] = pgbp.Unknown
	}
	subscriber := mint.publisher.Subscribe(func(event pgbp.Event) bool {
		return slices.Contains(ids, event.RequestId)
	})

	return &RequestStatusSubClient{
		subId:      subId,
		ctx:        ctx,
		cancel:     cancel,
		mint:       mint,
		subscriber: subscriber,
		requests:   requests,
	}
}

func (sub *RequestStatusSubClient) Read() <-chan wsproto.WsNotification {
	notifChan := make(chan wsproto.WsNotification)

	go func() {
		defer close(notifChan)

		// sends the request state if it changed since the last notification
		sendState := func(id string) bool {
			request, err := sub.mint.GetMintRequest(id)
			if err != nil {
				return true
			}
			if sub.requests[id] == request.Status {
				return true
			}
			notif, err := notification(sub.subId, mintRequestResponse(request))
			if err != nil {
				return true
			}
			select {
			case notifChan <- notif:
				sub.requests[id] = request.Status
				return true
			case <-sub.ctx.Done():
				return false
			}
		}

		for id := range sub.requests {
			if !sendState(id) {
				return
			}
		}

		events := sub.subscriber.Events()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					sub.feedClosed(sub.ctx)
					return
				}
				if !sendState(event.RequestId) {
					return
				}
				sub.lastSeq.Store(event.Seq)
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	return notifChan
}

func (sub *RequestStatusSubClient) Context() context.Context {
	return sub.ctx
}

func (sub *RequestStatusSubClient) Close() {
	sub.cancel()
	sub.mint.publisher.Unsubscribe(sub.subscriber)
}
