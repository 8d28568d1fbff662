package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transitbot/internal/capture"
	"transitbot/internal/llm"
	"transitbot/internal/routing"
	"transitbot/internal/store"
)

// Tool is one capability the model can invoke. Execute returns the payload
// the model narrates; identity names the end user for usage logging.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, identity string, input map[string]interface{}) (string, error)
}

// Registry holds the tools exposed to the reasoning backend.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool. Later registrations with the same name replace
// earlier ones.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Name
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Definitions lists tool declarations in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs one requested tool call. Unknown tools and execution errors
// become error results for the model to narrate; they never propagate.
func (r *Registry) Execute(ctx context.Context, identity string, call llm.ToolCall) llm.ToolResult {
	result := llm.ToolResult{ToolUseID: call.ID, Name: call.Name}

	tool, ok := r.tools[call.Name]
	if !ok {
		result.Content = fmt.Sprintf("unknown tool %q", call.Name)
		result.IsError = true
		return result
	}

	started := time.Now()
	content, err := tool.Execute(ctx, identity, call.Input)
	if err != nil {
		r.logger.Error("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("identity", identity),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		result.Content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
		result.IsError = true
		return result
	}

	r.logger.Debug("tool executed",
		zap.String("tool", call.Name),
		zap.String("identity", identity),
		zap.Duration("elapsed", time.Since(started)))
	result.Content = content
	return result
}

func marshalPayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool payload: %w", err)
	}
	return string(data), nil
}

func stringArg(input map[string]interface{}, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func floatArg(input map[string]interface{}, key string) (float64, bool) {
	if input == nil {
		return 0, false
	}
	switch v := input[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// CaptureTool exposes the Simit evidence capture engine.
type CaptureTool struct {
	engine *capture.Engine
	store  *store.Store
}

// NewCaptureTool wires the capture engine with usage logging.
func NewCaptureTool(engine *capture.Engine, st *store.Store) *CaptureTool {
	return &CaptureTool{engine: engine, store: st}
}

func (t *CaptureTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "capture_simit_screenshot",
		Description: "Consulta el estado de cuenta de Simit para una placa o documento y" +
			" devuelve el texto visible junto con la ruta de una captura de pantalla.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"plate": map[string]interface{}{
					"type":        "string",
					"description": "Placa del vehículo o número de documento a consultar.",
				},
			},
			"required": []string{"plate"},
		},
	}
}

func (t *CaptureTool) Execute(ctx context.Context, identity string, input map[string]interface{}) (string, error) {
	res := t.engine.Capture(ctx, capture.Request{
		Plate:       stringArg(input, "plate"),
		RequestedBy: identity,
	})
	if res.Succeeded() && t.store != nil {
		t.store.AppendPlateLookup(identity, res.Plate, "capture_simit_screenshot")
	}
	return marshalPayload(res)
}

// TimeTool reports the current time for a city. Kept from the original
// toolset as a cheap capability the model can always call.
type TimeTool struct {
	now func() time.Time
}

// NewTimeTool creates the clock tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{now: time.Now}
}

func (t *TimeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "get_current_time",
		Description: "Devuelve la hora local actual para una ciudad.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{
					"type":        "string",
					"description": "Ciudad para la que se consulta la hora.",
				},
			},
			"required": []string{"city"},
		},
	}
}

func (t *TimeTool) Execute(_ context.Context, _ string, input map[string]interface{}) (string, error) {
	city := stringArg(input, "city")
	if city == "" {
		city = "Bogotá"
	}
	return marshalPayload(map[string]interface{}{
		"status": "success",
		"city":   city,
		"time":   t.now().Format("3:04 PM"),
	})
}

// RouteTool calculates a route with live traffic between two addresses.
type RouteTool struct {
	client *routing.Client
	store  *store.Store
}

// NewRouteTool wires the routing client with usage logging.
func NewRouteTool(client *routing.Client, st *store.Store) *RouteTool {
	return &RouteTool{client: client, store: st}
}

func (t *RouteTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "tomtom_route_with_traffic",
		Description: "Calcula la ruta en carro entre dos direcciones con información de" +
			" tráfico en tiempo real.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"origin":      map[string]interface{}{"type": "string", "description": "Dirección de origen."},
				"destination": map[string]interface{}{"type": "string", "description": "Dirección de destino."},
			},
			"required": []string{"origin", "destination"},
		},
	}
}

func (t *RouteTool) Execute(ctx context.Context, identity string, input map[string]interface{}) (string, error) {
	origin := stringArg(input, "origin")
	destination := stringArg(input, "destination")

	if t.store != nil {
		t.store.AppendAddressSearch(identity, origin, "route_origin")
		t.store.AppendAddressSearch(identity, destination, "route_destination")
	}
	return marshalPayload(t.client.RouteWithTraffic(ctx, origin, destination))
}

// GeocodeTool resolves a free-text address into coordinates.
type GeocodeTool struct {
	client *routing.Client
	store  *store.Store
}

// NewGeocodeTool wires the geocoder with usage logging.
func NewGeocodeTool(client *routing.Client, st *store.Store) *GeocodeTool {
	return &GeocodeTool{client: client, store: st}
}

func (t *GeocodeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "tomtom_geocode_address",
		Description: "Obtiene las coordenadas aproximadas de una dirección en texto libre.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"address": map[string]interface{}{"type": "string", "description": "Dirección a ubicar."},
			},
			"required": []string{"address"},
		},
	}
}

func (t *GeocodeTool) Execute(ctx context.Context, identity string, input map[string]interface{}) (string, error) {
	address := stringArg(input, "address")
	if t.store != nil {
		t.store.AppendAddressSearch(identity, address, "geocode")
	}
	return marshalPayload(t.client.GeocodeAddress(ctx, address))
}

// NearbyTool searches services around a coordinate or an address.
type NearbyTool struct {
	client *routing.Client
	store  *store.Store
}

// NewNearbyTool wires the POI search with usage logging.
func NewNearbyTool(client *routing.Client, st *store.Store) *NearbyTool {
	return &NearbyTool{client: client, store: st}
}

func (t *NearbyTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "tomtom_find_nearby_services",
		Description: "Busca servicios cercanos (gasolineras, parqueaderos, talleres, cajeros)" +
			" alrededor de una dirección o de unas coordenadas.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query":         map[string]interface{}{"type": "string", "description": "Tipo de servicio a buscar, ej. 'gas station'."},
				"address":       map[string]interface{}{"type": "string", "description": "Dirección central de la búsqueda (opcional si hay coordenadas)."},
				"lat":           map[string]interface{}{"type": "number", "description": "Latitud central (opcional)."},
				"lon":           map[string]interface{}{"type": "number", "description": "Longitud central (opcional)."},
				"radius_meters": map[string]interface{}{"type": "number", "description": "Radio de búsqueda en metros (default 2000)."},
			},
			"required": []string{"query"},
		},
	}
}

func (t *NearbyTool) Execute(ctx context.Context, identity string, input map[string]interface{}) (string, error) {
	query := stringArg(input, "query")
	radius := 0
	if f, ok := floatArg(input, "radius_meters"); ok {
		radius = int(f)
	}

	if address := stringArg(input, "address"); address != "" {
		if t.store != nil {
			t.store.AppendAddressSearch(identity, address, "nearby_by_address")
		}
		return marshalPayload(t.client.FindNearbyByAddress(ctx, query, address, radius))
	}

	lat, okLat := floatArg(input, "lat")
	lon, okLon := floatArg(input, "lon")
	if !okLat || !okLon {
		return marshalPayload(map[string]interface{}{
			"status":     "error",
			"error_type": "validation",
			"message":    "Se requiere una dirección o un par de coordenadas lat/lon.",
		})
	}
	if t.store != nil {
		t.store.AppendAddressSearch(identity, fmt.Sprintf("nearby:%s", query), "nearby_services")
	}
	return marshalPayload(t.client.FindNearby(ctx, query, lat, lon, radius))
}
