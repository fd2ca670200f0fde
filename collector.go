package dgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dgr"

// SnmpCollector exposes a Snmp as prometheus metrics.
type SnmpCollector struct {
	snmp  *Snmp
	descs []*prometheus.Desc
	types []prometheus.ValueType
}

// NewSnmpCollector creates a collector over snmp, DefaultSnmp when nil.
func NewSnmpCollector(snmp *Snmp) *SnmpCollector {
	if snmp == nil {
		snmp = DefaultSnmp
	}
	c := &SnmpCollector{snmp: snmp}
	for _, name := range snmp.Header() {
		vt := prometheus.CounterValue
		metric := toSnakeCase(name) + "_total"
		if name == "CurrOpen" {
			vt = prometheus.GaugeValue
			metric = "access_points_open"
		}
		c.descs = append(c.descs, prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", metric),
			"DGR statistic "+name+".",
			nil, nil,
		))
		c.types = append(c.types, vt)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *SnmpCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *SnmpCollector) Collect(ch chan<- prometheus.Metric) {
	for i, v := range c.snmp.Copy().values() {
		ch <- prometheus.MustNewConstMetric(c.descs[i], c.types[i], float64(v))
	}
}

func toSnakeCase(name string) string {
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch >= 'A' && ch <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}
