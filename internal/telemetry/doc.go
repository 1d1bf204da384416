// Package telemetry feeds shellkit activity into InfluxDB: a Registry
// samples the CPU and memory of running daemons, and a RunHook records the
// outcome of each subprocess run.
package telemetry
