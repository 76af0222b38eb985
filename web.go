package z2mautomations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/z2m-automations/automation"
	"github.com/kradalby/z2m-automations/events"
	"tailscale.com/util/eventbus"
)

const (
	SourceWeb     = "web"
	SourceHomeKit = "homekit"

	maxEventLog   = 100
	maxDispatches = 50
)

// AutomationProvider exposes the engine's registry to the dashboard.
type AutomationProvider interface {
	Automations() []automation.Summary
	Timers() []automation.TimerInfo
}

// webListener is the part of the kra web server used here.
type webListener interface {
	Handle(pattern string, handler http.Handler)
	ListenAndServe(ctx context.Context) error
}

// WebServer manages the web UI
type WebServer struct {
	logger   *slog.Logger
	provider AutomationProvider
	bus      *events.Bus
	client   *eventbus.Client
	listener webListener
	pin      string
	qrCode   string

	eventsMu sync.RWMutex
	events   []string

	sseClientsMu sync.RWMutex
	sseClients   map[chan sseMessage]struct{}

	stateMu    sync.RWMutex
	statuses   map[string]events.ConnectionStatusEvent
	dispatches []events.ActionDispatchedEvent

	dispatchSub *eventbus.Subscriber[events.ActionDispatchedEvent]
	timerSub    *eventbus.Subscriber[events.TimerEvent]
	statusSub   *eventbus.Subscriber[events.ConnectionStatusEvent]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

type sseMessage struct {
	event string
	data  []byte
}

// NewWebServer creates a new web server. listener may be nil in tests.
func NewWebServer(
	logger *slog.Logger,
	provider AutomationProvider,
	bus *events.Bus,
	listener webListener,
	pin string,
	qrCode string,
) (*WebServer, error) {
	client, err := bus.Client(events.ClientWeb)
	if err != nil {
		return nil, fmt.Errorf("failed to get web eventbus client: %w", err)
	}

	return &WebServer{
		logger:      logger,
		provider:    provider,
		bus:         bus,
		client:      client,
		listener:    listener,
		pin:         pin,
		qrCode:      qrCode,
		events:      make([]string, 0, maxEventLog),
		sseClients:  make(map[chan sseMessage]struct{}),
		statuses:    make(map[string]events.ConnectionStatusEvent),
		dispatchSub: eventbus.Subscribe[events.ActionDispatchedEvent](client),
		timerSub:    eventbus.Subscribe[events.TimerEvent](client),
		statusSub:   eventbus.Subscribe[events.ConnectionStatusEvent](client),
	}, nil
}

// Routes registers every handler on the listener.
func (ws *WebServer) Routes(mux interface {
	Handle(pattern string, handler http.Handler)
}) {
	mux.Handle("/", http.HandlerFunc(ws.HandleIndex))
	mux.Handle("/run/", http.HandlerFunc(ws.HandleRun))
	mux.Handle("/events", http.HandlerFunc(ws.HandleSSE))
	mux.Handle("/health", http.HandlerFunc(ws.HandleHealth))
	mux.Handle("/qrcode", http.HandlerFunc(ws.HandleQRCode))
	mux.Handle("/debug/eventbus", http.HandlerFunc(ws.HandleEventBusDebug))
}

// Start consumes bus events and, when a listener is set, serves HTTP until
// ctx is done.
func (ws *WebServer) Start(ctx context.Context) {
	ws.startOnce.Do(func() {
		ws.ctx, ws.cancel = context.WithCancel(ctx)

		ws.wg.Add(1)
		go ws.processEvents()

		if ws.listener != nil {
			ws.Routes(ws.listener)
			ws.wg.Add(1)
			go func() {
				defer ws.wg.Done()
				ws.publishStatus(events.ConnectionStatusConnected, nil)
				if err := ws.listener.ListenAndServe(ws.ctx); err != nil && ws.ctx.Err() == nil {
					ws.logger.Error("web server error", "error", err)
					ws.publishStatus(events.ConnectionStatusFailed, err)
					return
				}
				ws.publishStatus(events.ConnectionStatusDisconnected, nil)
			}()
		}
	})
}

// Close stops event processing and closes the subscribers.
func (ws *WebServer) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.dispatchSub.Close()
		ws.timerSub.Close()
		ws.statusSub.Close()
		ws.wg.Wait()
	})
}

func (ws *WebServer) publishStatus(status events.ConnectionStatus, err error) {
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	ws.bus.PublishConnectionStatus(ws.client, evt)
}

func (ws *WebServer) processEvents() {
	defer ws.wg.Done()
	for {
		select {
		case evt := <-ws.dispatchSub.Events():
			ws.stateMu.Lock()
			ws.dispatches = append(ws.dispatches, evt)
			if len(ws.dispatches) > maxDispatches {
				ws.dispatches = ws.dispatches[1:]
			}
			ws.stateMu.Unlock()

			ws.LogEvent(fmt.Sprintf("%s → %s (%s)", evt.Automation, evt.Topic, evt.Source))
			ws.broadcast("dispatch", evt)

		case evt := <-ws.timerSub.Events():
			ws.broadcast("timer", evt)

		case evt := <-ws.statusSub.Events():
			ws.stateMu.Lock()
			ws.statuses[evt.Component] = evt
			ws.stateMu.Unlock()

		case <-ws.ctx.Done():
			return
		}
	}
}

// LogEvent adds an event to the log
func (ws *WebServer) LogEvent(event string) {
	ws.eventsMu.Lock()
	defer ws.eventsMu.Unlock()

	ws.events = append(ws.events, fmt.Sprintf("%s: %s", time.Now().Format("15:04:05"), event))
	if len(ws.events) > maxEventLog {
		ws.events = ws.events[1:]
	}
}

// broadcast sends a message to all connected SSE clients
func (ws *WebServer) broadcast(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ws.logger.Error("failed to encode SSE payload", "error", err)
		return
	}

	ws.sseClientsMu.RLock()
	defer ws.sseClientsMu.RUnlock()

	for client := range ws.sseClients {
		select {
		case client <- sseMessage{event: event, data: data}:
		default:
			// Client channel is full, skip
		}
	}
}

// renderPage renders a basic HTML page
func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text(title)),
			elem.Script(attrs.Props{
				attrs.Src: "https://unpkg.com/htmx.org@2.0.4",
			}),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 900px; margin: 40px auto; padding: 0 20px; }
				h1 { color: #333; }
				.automation { border: 1px solid #ddd; padding: 16px; margin: 10px 0; border-radius: 8px; display: flex; justify-content: space-between; align-items: center; }
				.automation.pending { background: #fff8e1; }
				.name { font-size: 1.1em; font-weight: 500; }
				.meta { font-size: 0.9em; color: #666; }
				button { padding: 8px 16px; font-size: 1em; cursor: pointer; border: none; border-radius: 4px; background: #1976d2; color: white; }
				table { width: 100%; border-collapse: collapse; }
				th, td { border: 1px solid #ddd; padding: 6px; text-align: left; }
				.events { margin-top: 40px; padding: 20px; background: #f5f5f5; border-radius: 8px; max-height: 300px; overflow-y: auto; }
				.event { font-family: monospace; font-size: 0.9em; padding: 4px 0; }
			`)),
		),
		elem.Body(nil, content),
	)
	return page.Render()
}

func (ws *WebServer) renderAutomation(s automation.Summary) elem.Node {
	class := "automation"
	if len(s.Pending) > 0 {
		class += " pending"
	}

	meta := fmt.Sprintf("%s | %s | %d conditions | %d actions",
		s.Kind, strings.Join(s.Keys, ", "), s.Conditions, s.Actions)
	if s.ExecuteOnce {
		meta += " | once"
	}

	var pending []elem.Node
	for _, t := range s.Pending {
		label := string(t.Key.Family)
		if t.Key.Entity != "" {
			label += " " + t.Key.Entity
		}
		pending = append(pending, elem.Div(attrs.Props{attrs.Class: "meta"},
			elem.Text(fmt.Sprintf("%s at %s", label, t.Deadline.Format("15:04:05"))),
		))
	}

	return elem.Div(
		attrs.Props{attrs.Class: class},
		elem.Div(nil,
			elem.Div(attrs.Props{attrs.Class: "name"}, elem.Text(s.Name)),
			elem.Div(attrs.Props{attrs.Class: "meta"}, elem.Text(meta)),
			elem.Div(nil, pending...),
		),
		elem.Form(
			attrs.Props{
				"hx-post": "/run/" + s.Name,
				"hx-swap": "none",
			},
			elem.Button(attrs.Props{attrs.Type: "submit"}, elem.Text("Run")),
		),
	)
}

// HandleIndex renders the main dashboard
func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	summaries := ws.provider.Automations()
	var cards []elem.Node
	for _, s := range summaries {
		cards = append(cards, ws.renderAutomation(s))
	}

	ws.eventsMu.RLock()
	var eventElements []elem.Node
	for i := len(ws.events) - 1; i >= 0 && i >= len(ws.events)-20; i-- {
		eventElements = append(eventElements, elem.Div(attrs.Props{attrs.Class: "event"}, elem.Text(ws.events[i])))
	}
	ws.eventsMu.RUnlock()

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Zigbee2MQTT Automations")),
		elem.P(nil, elem.Text(fmt.Sprintf("%d automations, %d pending timers",
			len(summaries), len(ws.provider.Timers())))),
		elem.Div(nil, cards...),
		elem.Div(attrs.Props{attrs.Class: "events"},
			elem.H2(nil, elem.Text("Recent Events")),
			elem.Div(nil, eventElements...),
		),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("Automations", content)); err != nil {
		ws.logger.Error("failed to write response", "error", err)
	}
}

// HandleRun queues a manual run of the automation named in the path.
func (ws *WebServer) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/run/")
	known := slices.ContainsFunc(ws.provider.Automations(), func(s automation.Summary) bool {
		return s.Name == name
	})
	if name == "" || !known {
		http.Error(w, "Automation not found", http.StatusNotFound)
		return
	}

	ws.bus.PublishRunRequest(ws.client, events.RunRequestEvent{
		Timestamp:  time.Now(),
		Source:     SourceWeb,
		Automation: name,
	})
	ws.LogEvent(fmt.Sprintf("Web UI: run %s", name))

	if r.Header.Get("HX-Request") == "true" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSSE streams dispatch and timer events as JSON.
func (ws *WebServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan sseMessage, 10)

	ws.sseClientsMu.Lock()
	ws.sseClients[clientChan] = struct{}{}
	ws.sseClientsMu.Unlock()

	defer func() {
		ws.sseClientsMu.Lock()
		delete(ws.sseClients, clientChan)
		ws.sseClientsMu.Unlock()
	}()

	for {
		select {
		case msg := <-clientChan:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data); err != nil {
				ws.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleHealth reports liveness and registry size.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status      string `json:"status"`
		Automations int    `json:"automations"`
		Timers      int    `json:"timers"`
	}{
		Status:      "ok",
		Automations: len(ws.provider.Automations()),
		Timers:      len(ws.provider.Timers()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		ws.logger.Error("failed to write health response", "error", err)
	}
}

// HandleQRCode shows the HomeKit pairing code.
func (ws *WebServer) HandleQRCode(w http.ResponseWriter, r *http.Request) {
	content := elem.Div(nil,
		elem.H1(nil, elem.Text("HomeKit Pairing")),
		elem.P(nil, elem.Text("PIN: "+ws.pin)),
		elem.Pre(attrs.Props{attrs.Style: "line-height: 1; font-size: 8px;"}, elem.Text(ws.qrCode)),
	)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, ws.renderPage("HomeKit Pairing", content)); err != nil {
		ws.logger.Error("failed to write response", "error", err)
	}
}

// HandleEventBusDebug renders component statuses, pending timers and the
// most recent dispatches.
func (ws *WebServer) HandleEventBusDebug(w http.ResponseWriter, r *http.Request) {
	ws.stateMu.RLock()
	components := make([]string, 0, len(ws.statuses))
	for name := range ws.statuses {
		components = append(components, name)
	}
	sort.Strings(components)

	statusRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("Component")),
			elem.Th(nil, elem.Text("Status")),
			elem.Th(nil, elem.Text("Error")),
			elem.Th(nil, elem.Text("Reconnects")),
			elem.Th(nil, elem.Text("Updated")),
		),
	}
	for _, name := range components {
		s := ws.statuses[name]
		statusRows = append(statusRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(s.Component)),
			elem.Td(nil, elem.Text(string(s.Status))),
			elem.Td(nil, elem.Text(s.Error)),
			elem.Td(nil, elem.Text(fmt.Sprintf("%d", s.Reconnects))),
			elem.Td(nil, elem.Text(s.Timestamp.Format(time.RFC3339))),
		))
	}

	dispatchRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("Time")),
			elem.Th(nil, elem.Text("Automation")),
			elem.Th(nil, elem.Text("Topic")),
			elem.Th(nil, elem.Text("Payload")),
			elem.Th(nil, elem.Text("Source")),
		),
	}
	for i := len(ws.dispatches) - 1; i >= 0; i-- {
		d := ws.dispatches[i]
		dispatchRows = append(dispatchRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(d.Timestamp.Format("15:04:05"))),
			elem.Td(nil, elem.Text(d.Automation)),
			elem.Td(nil, elem.Text(d.Topic)),
			elem.Td(nil, elem.Text(d.Payload)),
			elem.Td(nil, elem.Text(d.Source)),
		))
	}
	ws.stateMu.RUnlock()

	timerRows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("Family")),
			elem.Th(nil, elem.Text("Name")),
			elem.Th(nil, elem.Text("Entity")),
			elem.Th(nil, elem.Text("Deadline")),
		),
	}
	for _, t := range ws.provider.Timers() {
		timerRows = append(timerRows, elem.Tr(nil,
			elem.Td(nil, elem.Text(string(t.Key.Family))),
			elem.Td(nil, elem.Text(t.Key.Name)),
			elem.Td(nil, elem.Text(t.Key.Entity)),
			elem.Td(nil, elem.Text(t.Deadline.Format(time.RFC3339))),
		))
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("Event Bus")),
		elem.H2(nil, elem.Text("Component Status")),
		elem.Table(nil, statusRows...),
		elem.H2(nil, elem.Text("Pending Timers")),
		elem.Table(nil, timerRows...),
		elem.H2(nil, elem.Text("Recent Dispatches")),
		elem.Table(nil, dispatchRows...),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, ws.renderPage("Event Bus Debug", content)); err != nil {
		ws.logger.Error("failed to write debug response", "error", err)
	}
}
