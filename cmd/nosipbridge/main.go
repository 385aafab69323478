// Command nosipbridge is a demo host exercising the full Plugin
// surface: it wires hostapi.Downcalls/Upcalls together, then drives a
// scripted generate/hangup sequence against a single session
// so the wiring can be eyeballed end to end without a real SIP stack
// or browser attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/nosip_bridge/pkg/hostapi"
	"github.com/google/uuid"
)

func main() {
	var (
		localIP   = flag.String("local-ip", "127.0.0.1", "Interface address RTP sockets bind to")
		sdpIP     = flag.String("sdp-ip", "", "Address advertised in plain-RTP descriptions (defaults to -local-ip)")
		portRange = flag.String("rtp-port-range", "40000-40100", "RTP/RTCP allocation range, \"min-max\"")
		demo      = flag.Bool("demo", true, "Run the scripted demo session and exit")
	)
	flag.Parse()

	rng, err := hostapi.ParsePortRange(*portRange)
	if err != nil {
		log.Fatalf("nosipbridge: %v", err)
	}
	cfg := hostapi.Config{
		LocalIP:      *localIP,
		SDPIP:        *sdpIP,
		RTPPortRange: rng,
	}

	host := newDemoHost()
	plugin, err := NewPlugin(cfg, host, nil)
	if err != nil {
		log.Fatalf("nosipbridge: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go plugin.Run(ctx)

	if *demo {
		runDemo(ctx, plugin, host)
		return
	}

	<-ctx.Done()
}

// demoOfferSDP is a minimal WebRTC-side offer carrying one audio and
// one video medium, enough for generate to render a plain-RTP offer.
const demoOfferSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 9 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtcp-fb:96 nack pli\r\n"

// runDemo walks one session through create_session, a generate offer,
// and hangup, printing every event the host receives along the way.
func runDemo(ctx context.Context, plugin *Plugin, host *demoHost) {
	// A real host mints its own opaque handle; this demo stands in for
	// that with a fresh uuid the way the host's own session/call
	// identifiers would be minted.
	handle := hostapi.SessionHandle(uuid.New().String())

	if err := plugin.CreateSession(ctx, handle); err != nil {
		log.Fatalf("create_session: %v", err)
	}
	fmt.Println("create_session: ok")

	tx1 := uuid.New().String()
	accepted, err := plugin.HandleMessage(ctx, handle, tx1, map[string]any{"request": "generate"}, &hostapi.JSEP{Type: "offer", SDP: demoOfferSDP})
	if err != nil || !accepted {
		log.Fatalf("handle_message(generate): accepted=%v err=%v", accepted, err)
	}
	printEvent(host, tx1)

	tx2 := uuid.New().String()
	accepted, err = plugin.HandleMessage(ctx, handle, tx2, map[string]any{"request": "hangup"}, nil)
	if err != nil || !accepted {
		log.Fatalf("handle_message(hangup): accepted=%v err=%v", accepted, err)
	}
	printEvent(host, tx2)

	if err := plugin.DestroySession(ctx, handle); err != nil {
		log.Fatalf("destroy_session: %v", err)
	}
	fmt.Println("destroy_session: ok")
}

func printEvent(host *demoHost, transaction string) {
	select {
	case ev := <-host.events:
		fmt.Printf("%s -> %v\n", transaction, ev.event)
	case <-time.After(2 * time.Second):
		fmt.Printf("%s -> timed out waiting for event\n", transaction)
	}
}

// demoHost is the minimal hostapi.Upcalls implementation this binary
// drives itself with: every call is logged, and PushEvent additionally
// delivers to a channel runDemo reads from.
type demoHost struct {
	log    *log.Logger
	events chan pushedEvent
}

type pushedEvent struct {
	handle hostapi.SessionHandle
	event  map[string]any
	jsep   *hostapi.JSEP
}

func newDemoHost() *demoHost {
	return &demoHost{
		log:    log.New(os.Stderr, "host: ", log.LstdFlags),
		events: make(chan pushedEvent, 8),
	}
}

func (h *demoHost) RelayRTP(handle hostapi.SessionHandle, frame hostapi.RTPFrame) {
	h.log.Printf("relay_rtp: video=%v bytes=%d", frame.IsVideo, len(frame.Packet))
}

func (h *demoHost) RelayRTCP(handle hostapi.SessionHandle, isVideo bool, buf []byte) {
	h.log.Printf("relay_rtcp: video=%v bytes=%d", isVideo, len(buf))
}

func (h *demoHost) SendPLI(handle hostapi.SessionHandle) {
	h.log.Printf("send_pli: %v", handle)
}

func (h *demoHost) ClosePC(handle hostapi.SessionHandle) {
	h.log.Printf("close_pc: %v", handle)
}

func (h *demoHost) NotifyEvent(handle hostapi.SessionHandle, event map[string]any) {
	h.log.Printf("notify_event: %v %v", handle, event)
}

func (h *demoHost) EventsEnabled() bool { return true }

func (h *demoHost) PushEvent(handle hostapi.SessionHandle, transaction string, event map[string]any, jsep *hostapi.JSEP) {
	h.log.Printf("push_event: %v tx=%s %v jsep=%v", handle, transaction, event, jsep)
	h.events <- pushedEvent{handle: handle, event: event, jsep: jsep}
}

var _ hostapi.Upcalls = (*demoHost)(nil)
