package spvcfg

// DefaultPrometheusListen is the default address of the metrics exporter.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Prometheus is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
//
//nolint:ll
type Prometheus struct {
	// Enable indicates whether to export metrics to Prometheus.
	Enable bool `long:"enable" description:"enable Prometheus exporting of spvd metrics."`

	// Listen is the listening address that we should use to allow the main
	// Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() Prometheus {
	return Prometheus{
		Enable: false,
		Listen: DefaultPrometheusListen,
	}
}
