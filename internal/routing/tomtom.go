// Package routing wraps the TomTom Search and Routing APIs for the mobility
// tools: geocoding, route-with-traffic summaries and nearby POI search.
//
// Every operation returns a plain keyed payload with a "status" field so the
// reasoning layer can narrate outcomes directly; network and parse faults are
// data, never Go errors on the tool path.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSearchBaseURL  = "https://api.tomtom.com/search/2/search"
	defaultRoutingBaseURL = "https://api.tomtom.com/routing/1/calculateRoute"

	defaultNearbyRadius = 2000
	nearbyResultLimit   = 5
)

// Payload is a keyed tool result the agent narrates to the user.
type Payload map[string]interface{}

// Config holds TomTom client configuration.
type Config struct {
	APIKey         string
	SearchBaseURL  string
	RoutingBaseURL string
	Timeout        time.Duration
}

// Client calls the TomTom APIs.
type Client struct {
	apiKey         string
	searchBaseURL  string
	routingBaseURL string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient creates a TomTom client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SearchBaseURL == "" {
		cfg.SearchBaseURL = defaultSearchBaseURL
	}
	if cfg.RoutingBaseURL == "" {
		cfg.RoutingBaseURL = defaultRoutingBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		apiKey:         cfg.APIKey,
		searchBaseURL:  strings.TrimRight(cfg.SearchBaseURL, "/"),
		routingBaseURL: strings.TrimRight(cfg.RoutingBaseURL, "/"),
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         logger,
	}
}

func errorPayload(errorType, message string) Payload {
	return Payload{"status": "error", "error_type": errorType, "message": message}
}

// GeocodeAddress resolves a free-text address into coordinates.
func (c *Client) GeocodeAddress(ctx context.Context, address string) Payload {
	lat, lon, errPayload := c.geocode(ctx, address)
	if errPayload != nil {
		return errPayload
	}
	return Payload{
		"status":       "success",
		"lat":          lat,
		"lon":          lon,
		"coordinates":  fmt.Sprintf("%g,%g", lat, lon),
		"summary_text": fmt.Sprintf("Ubicación aproximada para '%s': lat %g, lon %g.", strings.TrimSpace(address), lat, lon),
	}
}

// RouteWithTraffic geocodes both endpoints and returns a live-traffic route
// summary between them.
func (c *Client) RouteWithTraffic(ctx context.Context, origin, destination string) Payload {
	originLat, originLon, errPayload := c.geocode(ctx, origin)
	if errPayload != nil {
		return errorPayload("geocoding", fmt.Sprintf("No pude localizar la dirección de origen: %s", origin))
	}
	destLat, destLon, errPayload := c.geocode(ctx, destination)
	if errPayload != nil {
		return errorPayload("geocoding", fmt.Sprintf("No pude localizar la dirección de destino: %s", destination))
	}

	originCoords := fmt.Sprintf("%g,%g", originLat, originLon)
	destCoords := fmt.Sprintf("%g,%g", destLat, destLon)

	routeURL := fmt.Sprintf("%s/%s:%s/json", c.routingBaseURL, originCoords, destCoords)
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("traffic", "true")
	params.Set("travelMode", "car")
	params.Set("routeType", "fastest")

	var data struct {
		Routes []struct {
			Summary struct {
				TravelTimeInSeconds   int    `json:"travelTimeInSeconds"`
				TrafficDelayInSeconds int    `json:"trafficDelayInSeconds"`
				LengthInMeters        int    `json:"lengthInMeters"`
				ArrivalTime           string `json:"arrivalTime"`
			} `json:"summary"`
		} `json:"routes"`
	}
	if errPayload := c.getJSON(ctx, routeURL, params, &data); errPayload != nil {
		return errPayload
	}
	if len(data.Routes) == 0 {
		return errorPayload("not_found", "No se encontró una ruta entre los puntos indicados.")
	}

	summary := data.Routes[0].Summary
	minutesTotal := roundMinutes(summary.TravelTimeInSeconds)
	minutesDelay := roundMinutes(summary.TrafficDelayInSeconds)
	distanceKm := math.Round(float64(summary.LengthInMeters)/100) / 10

	c.logger.Info("computed route summary",
		zap.String("origin", origin),
		zap.String("destination", destination),
		zap.Int("minutes_total", minutesTotal),
		zap.Int("minutes_delay", minutesDelay),
		zap.Float64("distance_km", distanceKm))

	trafficNote := ""
	if summary.TrafficDelayInSeconds > 0 {
		trafficNote = " (incluye tráfico)"
	}
	return Payload{
		"status":                  "success",
		"origin":                  origin,
		"destination":             destination,
		"origin_coordinates":      originCoords,
		"destination_coordinates": destCoords,
		"minutes_total":           minutesTotal,
		"minutes_delay":           minutesDelay,
		"distance_km":             distanceKm,
		"traffic_detected":        summary.TrafficDelayInSeconds > 0,
		"arrival_time_iso":        summary.ArrivalTime,
		"user_friendly_summary": fmt.Sprintf(
			"Entre '%s' y '%s' la ruta es de %.1f km y toma aproximadamente %d minutos%s.",
			origin, destination, distanceKm, minutesTotal, trafficNote),
	}
}

// FindNearby searches points of interest around a coordinate.
func (c *Client) FindNearby(ctx context.Context, query string, lat, lon float64, radiusMeters int) Payload {
	if strings.TrimSpace(query) == "" {
		query = "gas station"
	}
	if radiusMeters <= 0 {
		radiusMeters = defaultNearbyRadius
	}

	searchURL := fmt.Sprintf("%s/%s.json", c.searchBaseURL, url.PathEscape(query))
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("radius", strconv.Itoa(radiusMeters))
	params.Set("limit", strconv.Itoa(nearbyResultLimit))
	params.Set("idxSet", "POI")

	var data struct {
		Results []struct {
			Dist float64 `json:"dist"`
			POI  struct {
				Name       string   `json:"name"`
				Categories []string `json:"categories"`
			} `json:"poi"`
			Address struct {
				FreeformAddress string `json:"freeformAddress"`
			} `json:"address"`
		} `json:"results"`
	}
	if errPayload := c.getJSON(ctx, searchURL, params, &data); errPayload != nil {
		return errPayload
	}

	if len(data.Results) == 0 {
		return Payload{
			"status":  "success",
			"places":  []Payload{},
			"message": fmt.Sprintf("No encontré '%s' en un radio de %dm.", query, radiusMeters),
			"summary_text": fmt.Sprintf(
				"No encontré lugares de tipo '%s' cerca de las coordenadas (%g, %g) en un radio de %d metros.",
				query, lat, lon, radiusMeters),
		}
	}

	places := make([]Payload, 0, len(data.Results))
	var lines []string
	for i, item := range data.Results {
		name := item.POI.Name
		if name == "" {
			name = "Servicio sin nombre"
		}
		address := item.Address.FreeformAddress
		if address == "" {
			address = "Dirección no disponible"
		}
		category := "General"
		if len(item.POI.Categories) > 0 {
			category = item.POI.Categories[0]
		}
		places = append(places, Payload{
			"name":            name,
			"address":         address,
			"distance_meters": item.Dist,
			"distance_text":   fmt.Sprintf("%d metros", int(math.Round(item.Dist))),
			"category":        category,
		})
		lines = append(lines, fmt.Sprintf("%d. %s – %s (%d metros)", i+1, name, address, int(math.Round(item.Dist))))
	}

	c.logger.Info("found nearby services",
		zap.String("query", query),
		zap.Float64("lat", lat),
		zap.Float64("lon", lon),
		zap.Int("count", len(places)))

	summary := fmt.Sprintf("Encontré %d lugar(es) de tipo '%s' en un radio de %d metros.\n%s",
		len(places), query, radiusMeters, strings.Join(lines, "\n"))

	return Payload{
		"status":        "success",
		"places":        places,
		"search_radius": radiusMeters,
		"query":         query,
		"center":        Payload{"lat": lat, "lon": lon},
		"summary_text":  summary,
	}
}

// FindNearbyByAddress geocodes an address and searches POIs around it. The
// model rarely knows coordinates, so this is the tool-facing variant.
func (c *Client) FindNearbyByAddress(ctx context.Context, query, address string, radiusMeters int) Payload {
	lat, lon, errPayload := c.geocode(ctx, address)
	if errPayload != nil {
		return errorPayload("geocoding", fmt.Sprintf("No pude localizar la dirección de búsqueda: %s", address))
	}

	result := c.FindNearby(ctx, query, lat, lon, radiusMeters)
	if result["status"] != "success" {
		return result
	}

	if base, ok := result["summary_text"].(string); ok {
		result["summary_text"] = fmt.Sprintf("Cerca de '%s' (lat %g, lon %g):\n%s", address, lat, lon, base)
	}
	result["center_address"] = address
	return result
}

func (c *Client) geocode(ctx context.Context, address string) (lat, lon float64, errPayload Payload) {
	query := strings.TrimSpace(address)
	if query == "" {
		return 0, 0, errorPayload("validation", "La dirección no puede estar vacía.")
	}
	if c.apiKey == "" {
		return 0, 0, errorPayload("configuration", "El servicio de mapas no está configurado.")
	}

	searchURL := fmt.Sprintf("%s/%s.json", c.searchBaseURL, url.PathEscape(query))
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("limit", "1")

	var data struct {
		Results []struct {
			Position struct {
				Lat *float64 `json:"lat"`
				Lon *float64 `json:"lon"`
			} `json:"position"`
		} `json:"results"`
	}
	if p := c.getJSON(ctx, searchURL, params, &data); p != nil {
		return 0, 0, p
	}
	if len(data.Results) == 0 {
		return 0, 0, errorPayload("not_found", "No encontré una ubicación para esa dirección.")
	}

	pos := data.Results[0].Position
	if pos.Lat == nil || pos.Lon == nil {
		return 0, 0, errorPayload("parse", "La respuesta no contenía coordenadas válidas.")
	}
	return *pos.Lat, *pos.Lon, nil
}

// getJSON performs a GET and decodes the body, converting every fault into
// an error payload.
func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) Payload {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return errorPayload("network", "No fue posible comunicarse con el servicio.")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("tomtom request failed", zap.String("url", rawURL), zap.Error(err))
		return errorPayload("network", "No fue posible comunicarse con el servicio.")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorPayload("network", "No fue posible leer la respuesta del servicio.")
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("tomtom returned non-OK status",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode))
		return errorPayload("http", "El servicio respondió con un error.")
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("tomtom response decode failed", zap.String("url", rawURL), zap.Error(err))
		return errorPayload("parse", "No se pudo interpretar la respuesta.")
	}
	return nil
}

func roundMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Round(float64(seconds) / 60))
}
