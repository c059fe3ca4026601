package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// bench floods a node with distinct relay messages and reports throughput
// and the average number of peers each message reached on the first hop.
func main() {
	addr := flag.String("addr", "http://localhost:6969", "node address")
	n := flag.Int("n", 2000, "messages")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "payload size bytes")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, *conc)
	var failed, reached atomic.Int64
	pad := string(bytes.Repeat([]byte("x"), *valSize))
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			msg, _ := json.Marshal(map[string]any{"seq": i, "ts": time.Now().UnixNano(), "pad": pad})
			resp, err := client.Post(*addr+"/relay", "application/json", bytes.NewReader(msg))
			if err != nil {
				failed.Add(1)
				return
			}
			defer resp.Body.Close()
			var peers []string
			if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&peers) != nil {
				failed.Add(1)
				io.Copy(io.Discard, resp.Body)
				return
			}
			reached.Add(int64(len(peers)))
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	ok := int64(*n) - failed.Load()
	fmt.Printf("Relayed %d messages in %s (%.2f msg/s), %d failed\n", ok, dur, float64(ok)/dur.Seconds(), failed.Load())
	if ok > 0 {
		fmt.Printf("Average first-hop fanout: %.2f peers\n", float64(reached.Load())/float64(ok))
	}
}
