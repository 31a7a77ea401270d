package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bringyour/collab/collab"
)

type ServerSettings struct {
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
	// when set, every connection must carry a bearer token signed with this key
	JwtKey    []byte
	History   *collab.HistorySettings
	Transform *collab.TransformSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		PingTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    30 * time.Second,
		SendBufferSize: 256,
		History:        collab.DefaultHistorySettings(),
		Transform:      collab.DefaultTransformSettings(),
	}
}

// Server accepts client websockets at `/ws/{workspaceId}` and relays
// the event vocabulary between the members of each workspace.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	broker   Broker
	settings *ServerSettings
	upgrader websocket.Upgrader

	hubsLock sync.Mutex
	hubs     map[string]*Hub
	// open connections per hub, including connections still upgrading
	hubRefs map[*Hub]int
}

func NewServerWithDefaults(ctx context.Context, broker Broker) *Server {
	return NewServer(ctx, broker, DefaultServerSettings())
}

func NewServer(ctx context.Context, broker Broker, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		broker:   broker,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hubs:    map[string]*Hub{},
		hubRefs: map[*Hub]int{},
	}
}

func (self *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			glog.V(1).Infof("[r]%s %s %d (%s)\n", r.Method, r.URL, m.Code, m.Duration)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(self.healthz)
	r.Methods(http.MethodGet).Path("/ws/{workspaceId}").HandlerFunc(self.serveWs)
	return r
}

func (self *Server) healthz(w http.ResponseWriter, r *http.Request) {
	self.hubsLock.Lock()
	workspaceCount := len(self.hubs)
	self.hubsLock.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"workspaces": workspaceCount,
	})
}

// the user id from the bearer token, if any
func (self *Server) authenticate(r *http.Request) (string, error) {
	authorization := r.Header.Get("Authorization")
	byJwt, found := strings.CutPrefix(authorization, "Bearer ")
	if !found || byJwt == "" {
		if self.settings.JwtKey != nil {
			return "", fmt.Errorf("missing bearer token")
		}
		return "", nil
	}
	if self.settings.JwtKey != nil {
		claims, err := collab.ParseByJwt(byJwt, self.settings.JwtKey)
		if err != nil {
			return "", err
		}
		return claims.UserId, nil
	}
	claims, err := collab.ParseByJwtUnverified(byJwt)
	if err != nil {
		return "", err
	}
	return claims.UserId, nil
}

func (self *Server) openHub(workspaceId string) (*Hub, error) {
	self.hubsLock.Lock()
	defer self.hubsLock.Unlock()
	if hub, ok := self.hubs[workspaceId]; ok {
		self.hubRefs[hub] += 1
		return hub, nil
	}
	hub, err := NewHub(self.ctx, workspaceId, self.broker, self.settings.History, self.settings.Transform)
	if err != nil {
		return nil, err
	}
	self.hubs[workspaceId] = hub
	self.hubRefs[hub] = 1
	glog.V(1).Infof("[r]open hub %s\n", workspaceId)
	return hub, nil
}

func (self *Server) Hub(workspaceId string) (*Hub, bool) {
	self.hubsLock.Lock()
	defer self.hubsLock.Unlock()
	hub, ok := self.hubs[workspaceId]
	return hub, ok
}

func (self *Server) releaseHub(hub *Hub) {
	self.hubsLock.Lock()
	defer self.hubsLock.Unlock()
	self.hubRefs[hub] -= 1
	if self.hubRefs[hub] <= 0 && self.hubs[hub.WorkspaceId()] == hub {
		delete(self.hubRefs, hub)
		delete(self.hubs, hub.WorkspaceId())
		hub.Close()
		glog.V(1).Infof("[r]close hub %s\n", hub.WorkspaceId())
	}
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	workspaceId := mux.Vars(r)["workspaceId"]

	userId, err := self.authenticate(r)
	if err != nil {
		glog.Infof("[r]auth %s error = %s\n", workspaceId, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hub, err := self.openHub(workspaceId)
	if err != nil {
		glog.Infof("[r]hub %s error = %s\n", workspaceId, err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		self.releaseHub(hub)
		return
	}

	self.handleConnection(hub, ws, userId)
	self.releaseHub(hub)
}

func (self *Server) handleConnection(hub *Hub, ws *websocket.Conn, userId string) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *collab.Message, self.settings.SendBufferSize)

	m := &member{
		connectionId: uuid.NewString(),
		userId:       userId,
		send: func(message *collab.Message) error {
			select {
			case <-handleCtx.Done():
				return nil
			case send <- message:
				return nil
			default:
				return ErrSlowConnection
			}
		},
		close: handleCancel,
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				messageBytes, err := json.Marshal(message)
				if err != nil {
					glog.Errorf("[rs]drop %s = %s\n", message.Event, err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", m.connectionId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	hub.add(m)
	defer hub.remove(m)

	go func() {
		defer handleCancel()

		extend := func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		}
		ws.SetPongHandler(extend)
		ws.SetPingHandler(func(appData string) error {
			extend(appData)
			return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
		})

		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, messageBytes, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[rr]%s<- error = %s\n", m.connectionId, err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			message := &collab.Message{}
			if err := json.Unmarshal(messageBytes, message); err != nil {
				glog.Infof("[rr]%s<- bad message = %s\n", m.connectionId, err)
				continue
			}
			collab.HandleError(func() {
				hub.handle(m, message)
			})
		}
	}()

	<-handleCtx.Done()
}

func (self *Server) Close() {
	self.cancel()
	self.hubsLock.Lock()
	defer self.hubsLock.Unlock()
	for workspaceId, hub := range self.hubs {
		hub.Close()
		delete(self.hubs, workspaceId)
		delete(self.hubRefs, hub)
	}
}
