// Package influxdb records shellkit measurements in InfluxDB v2:
// periodic resource samples of running daemons (process_stats) and the
// outcome of every subprocess run (subprocess_runs).
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRun(influxdb.RunMetric{Factory: "Subprocess", Duration: 120 * time.Millisecond})
//
// Points are batched by batch_size and flush_interval. Failed batches
// are reported to the SetOnError callback.
package influxdb
