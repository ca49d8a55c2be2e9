package service

// Packet is one trace packet as handed back by the service during
// read-back. The payload is opaque to the client; it is written to the
// output sink verbatim.
type Packet []byte

// Producer describes one producer process connected to the service.
type Producer struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	UID        int    `json:"uid"`
	SDKVersion string `json:"sdk_version,omitempty"`
}

// DataSource describes one data source registered with the service.
type DataSource struct {
	ProducerID int    `json:"producer_id"`
	Name       string `json:"name"`
}

// State is the service-state snapshot returned by a query request.
type State struct {
	Producers          []Producer   `json:"producers,omitempty"`
	DataSources        []DataSource `json:"data_sources,omitempty"`
	ServiceVersion     string       `json:"service_version,omitempty"`
	NumSessions        int          `json:"num_sessions"`
	NumSessionsStarted int          `json:"num_sessions_started"`
}

// ObservableEvents carries service-side notifications the client
// subscribed to. Only the all-data-sources-started acknowledgement is
// observed by this client.
type ObservableEvents struct {
	AllDataSourcesStarted bool `json:"all_data_sources_started,omitempty"`
}
