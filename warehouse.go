package delta

import (
	"context"
	"net/http"
	"net/url"
)

// Warehouse states reported by the SQL warehouses API
const (
	WarehouseStarting = "STARTING"
	WarehouseRunning  = "RUNNING"
	WarehouseStopping = "STOPPING"
	WarehouseStopped  = "STOPPED"
	WarehouseDeleting = "DELETING"
	WarehouseDeleted  = "DELETED"
)

// Warehouse represents a SQL warehouse as returned by /api/2.0/sql/warehouses.
type Warehouse struct {
	Id                      string           `json:"id"`
	Name                    string           `json:"name"`
	State                   string           `json:"state"`
	ClusterSize             string           `json:"cluster_size"`
	MinNumClusters          int              `json:"min_num_clusters"`
	MaxNumClusters          int              `json:"max_num_clusters"`
	NumClusters             int              `json:"num_clusters"`
	NumActiveSessions       int64            `json:"num_active_sessions"`
	AutoStopMins            int              `json:"auto_stop_mins"`
	CreatorName             string           `json:"creator_name"`
	WarehouseType           string           `json:"warehouse_type"`
	EnableServerlessCompute bool             `json:"enable_serverless_compute"`
	JdbcUrl                 string           `json:"jdbc_url"`
	Health                  *WarehouseHealth `json:"health,omitempty"`
}

// WarehouseHealth is the health summary of a warehouse.
type WarehouseHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// IsRunning reports whether the warehouse can execute statements right away.
func (w *Warehouse) IsRunning() bool {
	return w != nil && w.State == WarehouseRunning
}

// GetWarehouse retrieves a SQL warehouse by id. An empty id means the session's warehouse.
func (s *Session) GetWarehouse(ctx context.Context, warehouseId string, opts ...RequestOption) (*Warehouse, *http.Response, error) {
	if warehouseId == "" {
		s.mu.RLock()
		warehouseId = s.warehouseId
		s.mu.RUnlock()
	}
	req, err := s.NewRequest("GET", WarehousesPath+"/"+url.PathEscape(warehouseId), nil, opts...)
	if err != nil {
		return nil, nil, err
	}

	warehouse := new(Warehouse)
	resp, err := s.Do(ctx, req, warehouse)
	if err != nil {
		return nil, resp, err
	}
	return warehouse, resp, nil
}

// ListWarehouses retrieves every SQL warehouse visible to the caller.
func (s *Session) ListWarehouses(ctx context.Context, opts ...RequestOption) ([]Warehouse, *http.Response, error) {
	req, err := s.NewRequest("GET", WarehousesPath, nil, opts...)
	if err != nil {
		return nil, nil, err
	}

	var list struct {
		Warehouses []Warehouse `json:"warehouses"`
	}
	resp, err := s.Do(ctx, req, &list)
	if err != nil {
		return nil, resp, err
	}
	return list.Warehouses, resp, nil
}

// StartWarehouse asks a stopped warehouse to start. It does not wait for it to be running.
func (s *Session) StartWarehouse(ctx context.Context, warehouseId string, opts ...RequestOption) (*http.Response, error) {
	req, err := s.NewRequest("POST", WarehousesPath+"/"+url.PathEscape(warehouseId)+"/start", nil, opts...)
	if err != nil {
		return nil, err
	}
	return s.Do(ctx, req, nil)
}
