package main

import (
	"flag"
	"log"
	"time"

	"github.com/damao33/dgr-go"
)

var listen = flag.String("l", "127.0.0.1:12345", "listen addr")
var config = flag.String("config", "", "yaml config file")

func main() {
	flag.Parse()

	cfg := dgr.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = dgr.LoadConfig(*config); err != nil {
			log.Fatal(err)
		}
	}
	ap, err := dgr.Open(*listen, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer ap.Close()
	log.Println("server listening on", ap.LocalAddr(), "...")
	handleEcho(ap)
}

// handleEcho send back everything it received
func handleEcho(ap *dgr.AccessPoint) {
	for {
		ev, err := ap.Receive(dgr.Forever)
		if err != nil {
			log.Println(err)
			return
		}
		switch ev.Kind {
		case dgr.EventMessage:
			log.Println("server rcv:", ev.Addr, string(ev.Content))
			time.Sleep(10 * time.Millisecond)
			if err := ap.Send(ev.Addr, dgr.NoteFailed, ev.Content); err != nil {
				log.Println(err)
				return
			}
			log.Println("server snd:", string(ev.Content))
		case dgr.EventDeliveryFailure:
			log.Println("echo to", ev.Addr, "lost:", ev.Err)
		}
	}
}
