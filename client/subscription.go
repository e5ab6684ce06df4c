package client

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/elnosh/provablegbp/pgbp"
	"github.com/elnosh/provablegbp/pgbp/wsproto"
	"github.com/gorilla/websocket"
)

var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	// returned when the mint ended the subscription because it fell behind.
	// Resubscribe from Subscription.LastSeq()+1 to catch up.
	ErrSubscriptionDropped = errors.New("subscription dropped by mint")
)

const subscribeTimeout = 10 * time.Second

// SubscriptionManager multiplexes subscriptions over a single
// websocket connection to the mint.
type SubscriptionManager struct {
	wsConn    *websocket.Conn
	writeMu   sync.Mutex
	mu        sync.RWMutex
	subs      map[string]*Subscription
	pending   map[int]chan any
	idCounter int
	quit      chan struct{}
	closeOnce sync.Once
}

func NewSubscriptionManager(mint string) (*SubscriptionManager, error) {
	mintURL, err := url.Parse(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + mintURL.Host + mintURL.Path + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}

	return &SubscriptionManager{
		wsConn:  conn,
		subs:    make(map[string]*Subscription),
		pending: make(map[int]chan any),
		quit:    make(chan struct{}),
	}, nil
}

// Run reads messages from the connection until it is closed.
// It should be run on a separate goroutine. If an error is sent
// in errChannel the manager should be closed.
func (sm *SubscriptionManager) Run(errChannel chan error) {
	if err := sm.handleWsMessages(); err != nil {
		select {
		case <-sm.quit:
		default:
			errChannel <- err
		}
	}
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		close(sm.quit)
		err = sm.wsConn.Close()

		sm.mu.Lock()
		for subId, sub := range sm.subs {
			sub.close()
			delete(sm.subs, subId)
		}
		sm.mu.Unlock()
	})
	return err
}

func (sm *SubscriptionManager) handleWsMessages() error {
	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			return err
		}

		parsed, err := wsproto.ParseMessage(msg)
		if err != nil {
			continue
		}
		switch msg := parsed.(type) {
		case wsproto.WsNotification:
			if msg.Method == wsproto.CLOSED {
				var payload wsproto.ClosedPayload
				json.Unmarshal(msg.Params.Payload, &payload)
				sm.dropSubscription(msg.Params.SubId, payload.LastSeq)
				continue
			}
			sm.mu.RLock()
			sub, ok := sm.subs[msg.Params.SubId]
			sm.mu.RUnlock()
			if ok {
				sub.deliver(msg)
			}
		case wsproto.WsResponse:
			sm.resolve(msg.Id, msg)
		case wsproto.WsError:
			sm.resolve(msg.Id, msg)
		}
	}
}

// resolve hands a response or error to the request waiting on id.
func (sm *SubscriptionManager) resolve(id int, msg any) {
	sm.mu.Lock()
	ch, ok := sm.pending[id]
	delete(sm.pending, id)
	sm.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// send writes the request and waits for the mint to answer it.
func (sm *SubscriptionManager) send(method string, params wsproto.RequestParams) (wsproto.WsResponse, error) {
	ch := make(chan any, 1)
	sm.mu.Lock()
	id := sm.idCounter
	sm.idCounter++
	sm.pending[id] = ch
	sm.mu.Unlock()

	request := wsproto.WsRequest{
		JsonRPC: wsproto.JSONRPC_2,
		Method:  method,
		Params:  params,
		Id:      id,
	}

	sm.writeMu.Lock()
	err := sm.wsConn.WriteJSON(request)
	sm.writeMu.Unlock()
	if err != nil {
		sm.mu.Lock()
		delete(sm.pending, id)
		sm.mu.Unlock()
		return wsproto.WsResponse{}, fmt.Errorf("could not send %v request: %v", method, err)
	}

	select {
	case msg := <-ch:
		switch msg := msg.(type) {
		case wsproto.WsResponse:
			if msg.Result.Status != wsproto.OK {
				return wsproto.WsResponse{}, fmt.Errorf("unexpected status from mint: %v", msg.Result.Status)
			}
			return msg, nil
		case wsproto.WsError:
			return wsproto.WsResponse{}, msg
		}
		return wsproto.WsResponse{}, errors.New("unexpected message from mint")
	case <-sm.quit:
		return wsproto.WsResponse{}, ErrSubscriptionClosed
	case <-time.After(subscribeTimeout):
		sm.mu.Lock()
		delete(sm.pending, id)
		sm.mu.Unlock()
		return wsproto.WsResponse{}, fmt.Errorf("no response from mint to %v request", method)
	}
}

func (sm *SubscriptionManager) Subscribe(kind wsproto.SubscriptionKind, filters wsproto.Filters) (*Subscription, error) {
	if kind == wsproto.RequestStatus && len(filters.Ids) == 0 {
		return nil, errors.New("request ids cannot be empty")
	}

	subId, err := newSubId()
	if err != nil {
		return nil, err
	}

	// register before sending so notifications sent right after
	// the response are not dropped
	sub := &Subscription{
		subId:         subId,
		kind:          kind,
		notifications: make(chan wsproto.WsNotification, 64),
		done:          make(chan struct{}),
	}
	sm.mu.Lock()
	sm.subs[subId] = sub
	sm.mu.Unlock()

	params := wsproto.RequestParams{Kind: kind.String(), SubId: subId, Filters: filters}
	if _, err := sm.send(wsproto.SUBSCRIBE, params); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %w", err)
	}

	return sub, nil
}

func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.RLock()
	_, ok := sm.subs[subId]
	sm.mu.RUnlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	_, err := sm.send(wsproto.UNSUBSCRIBE, wsproto.RequestParams{SubId: subId})
	sm.removeSubscription(subId)
	return err
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	if sub, ok := sm.subs[subId]; ok {
		sub.close()
		delete(sm.subs, subId)
	}
	sm.mu.Unlock()
}

func (sm *SubscriptionManager) dropSubscription(subId string, lastSeq uint64) {
	sm.mu.Lock()
	if sub, ok := sm.subs[subId]; ok {
		sub.drop(lastSeq)
		delete(sm.subs, subId)
	}
	sm.mu.Unlock()
}

func newSubId() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

type Subscription struct {
	subId         string
	kind          wsproto.SubscriptionKind
	notifications chan wsproto.WsNotification
	done          chan struct{}
	closeOnce     sync.Once
	// set before done is closed
	err     error
	lastSeq uint64
}

func (s *Subscription) deliver(notification wsproto.WsNotification) {
	select {
	case s.notifications <- notification:
	case <-s.done:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.err = ErrSubscriptionClosed
		close(s.done)
	})
}

func (s *Subscription) drop(lastSeq uint64) {
	s.closeOnce.Do(func() {
		s.err = ErrSubscriptionDropped
		s.lastSeq = lastSeq
		close(s.done)
	})
}

// Read returns the next notification. Notifications received before
// the subscription ended are still returned.
func (s *Subscription) Read() (wsproto.WsNotification, error) {
	select {
	case msg := <-s.notifications:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.notifications:
		return msg, nil
	case <-s.done:
		return wsproto.WsNotification{}, s.err
	}
}

// LastSeq is the seq of the last event the mint sent before dropping
// the subscription.
func (s *Subscription) LastSeq() uint64 {
	select {
	case <-s.done:
		return s.lastSeq
	default:
		return 0
	}
}

// ReadEvent reads the next notification of an events subscription.
func (s *Subscription) ReadEvent() (pgbp.Event, error) {
	msg, err := s.Read()
	if err != nil {
		return pgbp.Event{}, err
	}
	var event pgbp.Event
	if err := json.Unmarshal(msg.Params.Payload, &event); err != nil {
		return pgbp.Event{}, fmt.Errorf("invalid event notification: %v", err)
	}
	return event, nil
}

// ReadStatus reads the next notification of a request status subscription.
func (s *Subscription) ReadStatus() (pgbp.MintRequestResponse, error) {
	msg, err := s.Read()
	if err != nil {
		return pgbp.MintRequestResponse{}, err
	}
	var status pgbp.MintRequestResponse
	if err := json.Unmarshal(msg.Params.Payload, &status); err != nil {
		return pgbp.MintRequestResponse{}, fmt.Errorf("invalid status notification: %v", err)
	}
	return status, nil
}

func (s *Subscription) SubId() string {
	return s.subId
}

func (s *Subscription) Kind() wsproto.SubscriptionKind {
	return s.kind
}
