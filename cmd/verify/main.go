// Command verify is a headless stream checker: it connects to the
// sensor's frame stream, decodes each frame, and prints rolling FPS,
// payload size, and playhead diagnostics. With --auto-close it exits as
// soon as the control API reports the video complete.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/visionvm/sensor/internal/stream"
)

const fpsWindow = 60

type remoteStatus struct {
	duration float64
	status   string
}

type statusPoller struct {
	url    string
	client *http.Client

	mu   sync.Mutex
	last remoteStatus
}

func (p *statusPoller) run() {
	for {
		p.poll()
		time.Sleep(time.Second)
	}
}

func (p *statusPoller) poll() {
	resp, err := p.client.Get(p.url)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var body struct {
		Video struct {
			Duration float64 `json:"duration"`
			Status   string  `json:"status"`
		} `json:"video"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	p.mu.Lock()
	p.last = remoteStatus{duration: body.Video.Duration, status: body.Video.Status}
	p.mu.Unlock()
}

func (p *statusPoller) get() remoteStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func main() {
	host := flag.String("host", "localhost", "streaming server host")
	port := flag.Int("port", 5555, "streaming server port")
	controlPort := flag.Int("control-port", 8000, "control API port for status queries")
	autoClose := flag.Bool("auto-close", false, "exit once the video status is complete")
	every := flag.Int("every", 10, "print a diagnostic line every N frames")
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	log.Printf("connecting to %s", addr)

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	log.Print("connected, receiving frames")

	poller := &statusPoller{
		url:    fmt.Sprintf("http://%s:%d/status", *host, *controlPort),
		client: &http.Client{Timeout: 2 * time.Second},
	}
	go poller.run()

	var (
		arrivals []time.Time
		count    int
		lastRes  string
	)

	for {
		payload, playhead, err := stream.ReadFrame(conn)
		if err != nil {
			log.Printf("stream ended: %v", err)
			return
		}
		count++

		arrivals = append(arrivals, time.Now())
		if len(arrivals) > fpsWindow {
			arrivals = arrivals[1:]
		}
		fps := 0.0
		if len(arrivals) >= 2 {
			if elapsed := arrivals[len(arrivals)-1].Sub(arrivals[0]).Seconds(); elapsed > 0 {
				fps = float64(len(arrivals)-1) / elapsed
			}
		}

		cfgImg, err := png.DecodeConfig(bytes.NewReader(payload))
		if err != nil {
			log.Printf("frame %d: undecodable payload: %v", count, err)
			continue
		}
		res := fmt.Sprintf("%dx%d", cfgImg.Width, cfgImg.Height)
		if res != lastRes {
			lastRes = res
			log.Printf("capture resolution: %s", res)
		}

		st := poller.get()
		if count%*every == 0 {
			progress := ""
			if st.duration > 0 {
				progress = fmt.Sprintf(" | %.1f/%.1fs (%.1f%%)",
					playhead, st.duration, playhead/st.duration*100)
			}
			log.Printf("frame %d | %s | %.2f KB | %.1f fps | status=%s%s",
				count, res, float64(len(payload))/1024, fps, st.status, progress)
		}

		if *autoClose && st.status == "complete" {
			log.Print("video complete, closing")
			return
		}
	}
}
