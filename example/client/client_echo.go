package main

import (
	"bytes"
	"flag"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/damao33/dgr-go"
)

var ipaddr = flag.String("c", "127.0.0.1", "server addr")
var port = flag.Int("port", 12345, "port")
var interval = flag.Duration("interval", 2*time.Second, "time between pings")

func main() {
	flag.Parse()
	client()
}

func client() {
	addr, err := net.ResolveUDPAddr("udp", *ipaddr+":"+strconv.Itoa(*port))
	if err != nil {
		log.Fatal(err)
	}
	ap, err := dgr.Open(":0", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer ap.Close()
	log.Println("client pinging", addr, "from", ap.LocalAddr(), "...")

	for {
		timenow := time.Now()
		data := []byte(timenow.String())
		if err := ap.Send(addr, dgr.NoteAll, data); err != nil {
			log.Fatal(err)
		}
		log.Println("client snd:", string(data))

		var acked, echoed bool
		for !(acked && echoed) {
			ev, err := ap.Receive(time.Minute)
			if err != nil {
				log.Fatal(err)
			}
			switch ev.Kind {
			case dgr.EventDeliverySuccess:
				acked = true
				log.Println("acked after", ev.Transmissions, "transmission(s), ackRTT:", time.Since(timenow))
			case dgr.EventDeliveryFailure:
				log.Fatal("ping lost: ", ev.Err)
			case dgr.EventMessage:
				echoed = true
				log.Println("client rcv:", string(ev.Content))
				if bytes.Equal(ev.Content, data) {
					log.Println("snd equals rcv")
				} else {
					log.Println("snd not equals rcv")
				}
				log.Println("recvRTT:", time.Since(timenow))
			}
		}

		for _, d := range ap.Destinations() {
			log.Printf("dest %s srtt %v rto %v rate %d B/episode", d.Addr, d.SmoothedRTT, d.PredictedRTT, d.BytesToTransmit)
		}
		time.Sleep(*interval)
	}
}
