package novita

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Availability describes whether a product can currently be deployed.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityLimited     Availability = "limited"
	AvailabilityUnavailable Availability = "unavailable"
)

// Product is a purchasable GPU SKU in a single region.
type Product struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Region        string       `json:"region"`
	SpotPrice     float64      `json:"spotPrice"`
	OnDemandPrice float64      `json:"onDemandPrice"`
	GPUType       string       `json:"gpuType"`
	GPUMemory     int          `json:"gpuMemory"`
	Availability  Availability `json:"availability"`
}

// ProductFilters narrows a product listing.
type ProductFilters struct {
	ProductName   string
	Region        string
	BillingMethod string
}

// TemplatePort is one exposed port of a template.
type TemplatePort struct {
	Port int    `json:"port"`
	Type string `json:"type"`
}

// EnvVar is a single environment variable of a template.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Template describes a deployable image configuration.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ImageURL    string         `json:"imageUrl"`
	ImageAuthID string         `json:"imageAuth,omitempty"`
	Ports       []TemplatePort `json:"ports"`
	Envs        []EnvVar       `json:"envs"`
	Description string         `json:"description,omitempty"`
}

// RegistryAuth holds container registry credentials.
type RegistryAuth struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// PortMapping is an endpoint exposed by a running instance.
type PortMapping struct {
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
	Type     string `json:"type"`
}

// Instance is the normalized upstream view of a GPU instance.
type Instance struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	Region          string        `json:"region"`
	ProductID       string        `json:"productId"`
	GPUNum          int           `json:"gpuNum"`
	ImageURL        string        `json:"imageUrl"`
	CreatedAt       time.Time     `json:"createdAt"`
	PortMappings    []PortMapping `json:"portMappings"`
	SpotStatus      string        `json:"spotStatus"`
	SpotReclaimTime string        `json:"spotReclaimTime"`
}

// CreateInstanceRequest is the normalized create call.
type CreateInstanceRequest struct {
	Name        string
	ProductID   string
	GPUNum      int
	RootfsSize  int
	ImageURL    string
	ImageAuth   string
	Ports       []TemplatePort
	Envs        []EnvVar
	ClusterID   string
	BillingMode string
}

// CreateInstanceResponse carries the upstream id of the new instance.
type CreateInstanceResponse struct {
	ID string `json:"id"`
}

// MigrateInstanceResponse is the result of a spot migration.
type MigrateInstanceResponse struct {
	Message       string `json:"message"`
	NewInstanceID string `json:"newInstanceId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// InstanceList is one page of upstream instances.
type InstanceList struct {
	Instances []Instance `json:"instances"`
	Total     int        `json:"total"`
}

// --- wire formats ---
//
// The upstream returns clusterName for region, gpuNum as a string,
// createdAt as Unix seconds, and ports grouped by type. Everything below
// normalizes those quirks into the model types above.

type productsEnvelope struct {
	Data []productWire `json:"data"`
}

type productWire struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	AvailableDeploy bool        `json:"availableDeploy"`
	Price           json.Number `json:"price"`
	SpotPrice       json.Number `json:"spotPrice"`
	Regions         []string    `json:"regions"`
	GPUType         string      `json:"gpuType"`
	GPUMemory       json.Number `json:"gpuMemory"`
}

func (w productWire) normalize(region string) Product {
	availability := AvailabilityUnavailable
	if w.AvailableDeploy {
		availability = AvailabilityAvailable
	}
	gpuMemory, _ := w.GPUMemory.Int64()
	return Product{
		ID:            w.ID,
		Name:          w.Name,
		Region:        region,
		SpotPrice:     numberToFloat(w.SpotPrice),
		OnDemandPrice: numberToFloat(w.Price),
		GPUType:       w.GPUType,
		GPUMemory:     int(gpuMemory),
		Availability:  availability,
	}
}

type templateEnvelope struct {
	Template templateWire `json:"template"`
}

type templateWire struct {
	ID          json.Number     `json:"Id"`
	Name        string          `json:"name"`
	Image       string          `json:"image"`
	ImageAuth   string          `json:"imageAuth"`
	Ports       []portGroupWire `json:"ports"`
	Envs        []EnvVar        `json:"envs"`
	Description string          `json:"description"`
}

type portGroupWire struct {
	Type  string `json:"type"`
	Ports []int  `json:"ports"`
}

func (w templateWire) normalize() Template {
	ports := make([]TemplatePort, 0)
	for _, group := range w.Ports {
		for _, port := range group.Ports {
			ports = append(ports, TemplatePort{Port: port, Type: group.Type})
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })

	return Template{
		ID:          w.ID.String(),
		Name:        w.Name,
		ImageURL:    w.Image,
		ImageAuthID: w.ImageAuth,
		Ports:       ports,
		Envs:        w.Envs,
		Description: w.Description,
	}
}

type registryAuthsEnvelope struct {
	Data []RegistryAuth `json:"data"`
}

type instanceWire struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	ClusterName     string          `json:"clusterName"`
	ProductID       string          `json:"productId"`
	GPUNum          json.Number     `json:"gpuNum"`
	ImageURL        string          `json:"imageUrl"`
	CreatedAt       json.Number     `json:"createdAt"`
	PortMappings    []portGroupWire `json:"portMappings"`
	Endpoints       []PortMapping   `json:"endpoints"`
	SpotStatus      string          `json:"spotStatus"`
	SpotReclaimTime string          `json:"spotReclaimTime"`
}

func (w instanceWire) normalize() Instance {
	gpuNum, _ := strconv.Atoi(w.GPUNum.String())

	var createdAt time.Time
	if seconds, err := w.CreatedAt.Int64(); err == nil && seconds > 0 {
		createdAt = time.Unix(seconds, 0).UTC()
	}

	// Newer payloads carry flat endpoints; older ones group ports by type.
	mappings := make([]PortMapping, 0, len(w.Endpoints))
	mappings = append(mappings, w.Endpoints...)
	for _, group := range w.PortMappings {
		for _, port := range group.Ports {
			mappings = append(mappings, PortMapping{Port: port, Type: group.Type})
		}
	}

	return Instance{
		ID:              w.ID,
		Name:            w.Name,
		Status:          strings.ToLower(w.Status),
		Region:          w.ClusterName,
		ProductID:       w.ProductID,
		GPUNum:          gpuNum,
		ImageURL:        w.ImageURL,
		CreatedAt:       createdAt,
		PortMappings:    mappings,
		SpotStatus:      w.SpotStatus,
		SpotReclaimTime: w.SpotReclaimTime,
	}
}

type instanceListEnvelope struct {
	Instances []instanceWire `json:"instances"`
	Total     json.Number    `json:"total"`
}

type createInstanceWire struct {
	Name        string   `json:"name"`
	ProductID   string   `json:"productId"`
	GPUNum      int      `json:"gpuNum"`
	RootfsSize  int      `json:"rootfsSize"`
	ImageURL    string   `json:"imageUrl"`
	Kind        string   `json:"kind"`
	BillingMode string   `json:"billingMode"`
	ImageAuth   string   `json:"imageAuth,omitempty"`
	Ports       string   `json:"ports"`
	Envs        []EnvVar `json:"envs"`
	ClusterID   string   `json:"clusterId,omitempty"`
}

// encodePorts serializes ports into the upstream "8080/http,22/tcp" form.
func encodePorts(ports []TemplatePort) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d/%s", p.Port, p.Type))
	}
	return strings.Join(parts, ",")
}

func numberToFloat(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}
