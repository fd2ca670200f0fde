package main

import (
	"log"
	"net"
	"strconv"
	"time"

	"github.com/damao33/dgr-go"
)

func main() {
	server, err := dgr.Open("127.0.0.1:12344", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer server.Close()
	go handleEcho(server)

	client, err := dgr.Open("127.0.0.1:0", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	for i := 0; i < 30; i++ {
		sndMsg := "hello from client " + strconv.Itoa(i%10)
		reply, err := roundTrip(client, server.LocalAddr(), []byte(sndMsg))
		if err != nil {
			log.Fatal(err)
		}
		log.Println("client snd:", sndMsg)
		log.Println("client rcv:", string(reply))
	}
}

// handleEcho send back everything it received
func handleEcho(ap *dgr.AccessPoint) {
	for {
		ev, err := ap.Receive(dgr.Forever)
		if err != nil {
			log.Println(err)
			return
		}
		if ev.Kind != dgr.EventMessage {
			continue
		}
		log.Println("server rcv:", string(ev.Content))
		sndMsg := "hello back " + string(ev.Content[len(ev.Content)-1]) + " !"
		if err := ap.Send(ev.Addr, dgr.NoteNone, []byte(sndMsg)); err != nil {
			log.Println(err)
			return
		}
		log.Println("server snd:", sndMsg)
	}
}

// roundTrip 发送一条消息并等待回复，投递失败时返回错误
func roundTrip(ap *dgr.AccessPoint, to net.Addr, msg []byte) ([]byte, error) {
	if err := ap.Send(to, dgr.NoteFailed, msg); err != nil {
		return nil, err
	}
	for {
		ev, err := ap.Receive(10 * time.Second)
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case dgr.EventMessage:
			return ev.Content, nil
		case dgr.EventDeliveryFailure:
			return nil, ev.Err
		}
	}
}
