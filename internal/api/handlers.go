package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"wgpanel/internal/models"
	"wgpanel/internal/provision"
	"wgpanel/internal/render/clientconf"
	"wgpanel/internal/repo"
)

type Provisioner interface {
	Provision(ctx context.Context, req provision.Request, interfaceName string) ([]models.Peer, error)
}

type Store interface {
	CreateInterface(ctx context.Context, in *models.Interface) error
	FilterPeers(ctx context.Context, interfaceName, name string, take, skip int) ([]models.Peer, int64, error)
	PeerConfigByName(ctx context.Context, name string) (*models.Peer, *models.Interface, error)
	UpdatePeerStatus(ctx context.Context, name string, status models.PeerStatus) error
}

// PeerDefaults — значения по умолчанию для новых пиров, приходят из конфига.
type PeerDefaults struct {
	Mtu                int
	Keepalive          int
	EndpointAllowedIPs string
}

type Handler struct {
	engine   Provisioner
	store    Store
	defaults PeerDefaults
}

func New(engine Provisioner, store Store, defaults PeerDefaults) *Handler {
	return &Handler{engine: engine, store: store, defaults: defaults}
}

// -------- интерфейсы --------

type createInterfaceRequest struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Endpoint    string `json:"endpoint"`
	ListenPort  int    `json:"listen_port"`
	AddressCIDR string `json:"address_cidr"`
}

// POST /api/v1/interfaces
func (h *Handler) CreateInterface(w http.ResponseWriter, r *http.Request) {
	var in createInterfaceRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json body", nil)
		return
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.AddressCIDR) == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "name and address_cidr are required", nil)
		return
	}
	iface := models.Interface{
		Name:        in.Name,
		PublicKey:   in.PublicKey,
		Endpoint:    in.Endpoint,
		ListenPort:  in.ListenPort,
		AddressCIDR: in.AddressCIDR,
	}
	if err := h.store.CreateInterface(r.Context(), &iface); err != nil {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Interface Not Created", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusCreated, iface)
}

// -------- пиры --------

type addPeerRequest struct {
	Bulk  bool `json:"bulk"`
	Count int  `json:"count"`

	Name         string   `json:"name"`
	PublicKey    string   `json:"public_key"`
	PresharedKey string   `json:"preshared_key"`
	AllowedIPs   []string `json:"allowed_ips"`

	Dns                 string `json:"dns"`
	Mtu                 *int   `json:"mtu"`
	PersistentKeepalive *int   `json:"persistent_keepalive"`
	EndpointAllowedIPs  string `json:"endpoint_allowed_ips"`

	Status         string `json:"status"`
	ExpireTime     int64  `json:"expire_time"`
	OnHoldDuration int64  `json:"on_hold_duration"`
	TotalVolume    int64  `json:"total_volume"`
}

// POST /api/v1/interfaces/{name}/peers
func (h *Handler) CreatePeers(w http.ResponseWriter, r *http.Request) {
	interfaceName := mux.Vars(r)["name"]

	var in addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json body", nil)
		return
	}

	req := provision.Request{
		Bulk:                in.Bulk,
		Count:               in.Count,
		Name:                in.Name,
		PublicKey:           in.PublicKey,
		PresharedKey:        in.PresharedKey,
		AllowedIPs:          in.AllowedIPs,
		Dns:                 in.Dns,
		Mtu:                 h.defaults.Mtu,
		PersistentKeepalive: h.defaults.Keepalive,
		EndpointAllowedIPs:  h.defaults.EndpointAllowedIPs,
		Status:              models.PeerStatus(in.Status),
		ExpireTime:          in.ExpireTime,
		OnHoldDuration:      in.OnHoldDuration,
		TotalVolume:         in.TotalVolume,
	}
	if in.Mtu != nil {
		req.Mtu = *in.Mtu
	}
	if in.PersistentKeepalive != nil {
		req.PersistentKeepalive = *in.PersistentKeepalive
	}
	if in.EndpointAllowedIPs != "" {
		req.EndpointAllowedIPs = in.EndpointAllowedIPs
	}
	if in.Bulk && in.Count == 0 {
		req.Count = 1
	}

	peers, err := h.engine.Provision(r.Context(), req, interfaceName)
	if err != nil {
		writeProvisionError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{
		"count": len(peers),
		"peers": peers,
	})
}

// Разным ошибкам — разное лечение у вызывающего: ждать ёмкость, менять имя,
// повторять запрос. Поэтому коды и заголовки различаются.
func writeProvisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provision.ErrInterfaceNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Interface Not Found", err.Error(), nil)
	case errors.Is(err, provision.ErrPoolExhausted):
		models.WriteProblem(w, http.StatusConflict, "Pool Exhausted", err.Error(), nil)
	case errors.Is(err, provision.ErrDuplicateName):
		models.WriteProblem(w, http.StatusConflict, "Duplicate Name", err.Error(), nil)
	case errors.Is(err, provision.ErrAddressUnavailable):
		models.WriteProblem(w, http.StatusConflict, "Address Unavailable",
			err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, provision.ErrGatewayApply):
		models.WriteProblem(w, http.StatusBadGateway, "Gateway Apply Failed", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
	}
}

// GET /api/v1/interfaces/{name}/peers?name=&take=&skip=
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	interfaceName := mux.Vars(r)["name"]
	q := r.URL.Query()

	take := intParam(q.Get("take"), 20)
	skip := intParam(q.Get("skip"), 0)

	peers, total, err := h.store.FilterPeers(r.Context(), interfaceName, q.Get("name"), take, skip)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"peers": peers,
		"total": total,
		"take":  take,
		"skip":  skip,
	})
}

// GET /api/v1/peers/{name}/config — wg-quick конфиг как скачиваемый файл.
func (h *Handler) PeerConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	peer, iface, err := h.store.PeerConfigByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Peer Not Found", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	conf := clientconf.Render(peer, iface)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.conf"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(conf))
}

// POST /api/v1/peers/{name}/disable — единственный источник статуса disabled.
func (h *Handler) DisablePeer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.store.UpdatePeerStatus(r.Context(), name, models.PeerStatusDisabled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Peer Not Found", err.Error(), nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"name": name, "status": models.PeerStatusDisabled})
}

// Непозитивные и мусорные значения сводятся к дефолту, чтобы take=0 не
// превращался в LIMIT 0 на уровне стора.
func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
