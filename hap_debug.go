package z2mautomations

import (
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
)

// DebugHandler implements http.Handler to expose HomeKit internal state
type DebugHandler struct {
	hm *HAPManager
}

func NewDebugHandler(hm *HAPManager) *DebugHandler {
	return &DebugHandler{hm: hm}
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rows := []elem.Node{
		elem.Tr(nil,
			elem.Th(nil, elem.Text("ID")),
			elem.Th(nil, elem.Text("Name")),
			elem.Th(nil, elem.Text("Type")),
			elem.Th(nil, elem.Text("Model")),
			elem.Th(nil, elem.Text("Serial")),
			elem.Th(nil, elem.Text("Services")),
		),
	}
	for _, acc := range h.hm.GetAccessories() {
		rows = append(rows, elem.Tr(nil,
			elem.Td(nil, elem.Text(fmt.Sprintf("%d", acc.Id))),
			elem.Td(nil, elem.Text(acc.Info.Name.Value())),
			elem.Td(nil, elem.Text(accessoryType(acc))),
			elem.Td(nil, elem.Text(acc.Info.Model.Value())),
			elem.Td(nil, elem.Text(acc.Info.SerialNumber.Value())),
			elem.Td(nil, renderServices(acc.Ss)),
		))
	}

	server, store := h.hm.serverAndStore()

	page := elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text("HomeKit Debug")),
			elem.Style(nil, elem.Text(`
				body { font-family: sans-serif; padding: 20px; }
				table { width: 100%; border-collapse: collapse; }
				th, td { border: 1px solid #ddd; padding: 8px; text-align: left; vertical-align: top; }
				th { background-color: #f2f2f2; }
				.service { margin-bottom: 10px; border-bottom: 1px solid #eee; padding-bottom: 5px; }
				.char { margin-left: 10px; font-size: 0.9em; color: #555; }
			`)),
		),
		elem.Body(nil,
			elem.H1(nil, elem.Text("HomeKit Debug")),
			renderServerInfo(server),
			h.renderStats(),
			renderPairings(store),
			elem.H2(nil, elem.Text("Registered Accessories")),
			elem.Table(nil, rows...),
		),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, page.Render()); err != nil {
		h.hm.logger.Error("failed to write debug response", "error", err)
	}
}

func accessoryType(acc *accessory.A) string {
	switch acc.Type {
	case accessory.TypeBridge:
		return "Bridge"
	case accessory.TypeSwitch:
		return "Switch"
	default:
		return fmt.Sprintf("Unknown (%d)", acc.Type)
	}
}

func renderServices(services []*service.S) elem.Node {
	var nodes []elem.Node
	for _, svc := range services {
		nodes = append(nodes, elem.Div(attrs.Props{attrs.Class: "service"},
			elem.Strong(nil, elem.Text(svc.Type)),
			elem.Div(nil, renderCharacteristics(svc.Cs)),
		))
	}
	return elem.Div(nil, nodes...)
}

func renderCharacteristics(chars []*characteristic.C) elem.Node {
	var nodes []elem.Node
	for _, c := range chars {
		val := c.Value()
		if val == nil {
			val = "nil"
		}
		nodes = append(nodes, elem.Div(attrs.Props{attrs.Class: "char"},
			elem.Text(fmt.Sprintf("%s: %v", c.Type, val)),
		))
	}
	return elem.Div(nil, nodes...)
}

func renderServerInfo(server *hap.Server) elem.Node {
	if server == nil {
		return elem.Div(nil, elem.Text("Server not started"))
	}

	return elem.Div(nil,
		elem.H2(nil, elem.Text("Server Info")),
		elem.Ul(nil,
			elem.Li(nil, elem.Text(fmt.Sprintf("Address: %s", server.Addr))),
			elem.Li(nil, elem.Text(fmt.Sprintf("PIN: %s", server.Pin))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Paired: %v", server.IsPaired()))),
		),
	)
}

func (h *DebugHandler) renderStats() elem.Node {
	last := "Never"
	if ts := h.hm.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0).Format(time.RFC3339)
	}

	return elem.Div(nil,
		elem.H2(nil, elem.Text("Statistics")),
		elem.Ul(nil,
			elem.Li(nil, elem.Text(fmt.Sprintf("Run Requests: %d", h.hm.incomingCommands.Load()))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Switch Resets: %d", h.hm.outgoingUpdates.Load()))),
			elem.Li(nil, elem.Text(fmt.Sprintf("Last Activity: %s", last))),
		),
	)
}

func renderPairings(store hap.Store) elem.Node {
	// FsStore lists pairings; the hap.Store interface does not.
	type pairingStore interface {
		Pairings() ([]hap.Pairing, error)
	}

	ps, ok := store.(pairingStore)
	if !ok {
		return elem.Div(nil, elem.Text("Pairings not available"))
	}
	pairings, err := ps.Pairings()
	if err != nil {
		return elem.Div(nil, elem.Text(fmt.Sprintf("Error loading pairings: %v", err)))
	}
	if len(pairings) == 0 {
		return elem.Div(nil,
			elem.H2(nil, elem.Text("Pairings")),
			elem.P(nil, elem.Text("No active pairings")),
		)
	}

	var items []elem.Node
	for _, p := range pairings {
		items = append(items, elem.Li(nil, elem.Text(fmt.Sprintf("%s (Admin: %v)", p.Name, p.Permission == 0x01))))
	}
	return elem.Div(nil,
		elem.H2(nil, elem.Text("Pairings")),
		elem.Ul(nil, items...),
	)
}
