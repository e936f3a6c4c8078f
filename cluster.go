package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

// Cluster relays deliveries and presence transitions between nodes over a
// redis pub/sub channel, so a receiver connected to another node still gets
// its push. The origin node stores the message; peers only deliver.
type Cluster struct {
	rdb  *redis.Client
	sub  *redis.PubSub
	node *Node
	name string
	ch   string
	log  *zap.SugaredLogger

	done chan struct{}
	once sync.Once
}

func newCluster(cfg RedisConfig, node *Node) (*Cluster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if cfg.Name == "" {
		cfg.Name = time.Now().Format("Node-20060102150405")
	}
	if cfg.Channel == "" {
		cfg.Channel = "realtime-cluster"
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	cl := &Cluster{
		rdb:  rdb,
		node: node,
		name: cfg.Name,
		ch:   cfg.Channel,
		log:  zap.S().With("component", "cluster", "node", cfg.Name),
		done: make(chan struct{}),
	}
	// Subscribe before the receive loop starts so Close never races the
	// subscription handle.
	cl.sub = rdb.Subscribe(context.Background(), cl.ch)
	go cl.recv()
	return cl, nil
}

// recv drains the subscription. A handler panic restarts the loop on the
// same subscription; the loop ends for good once Close ran.
func (cl *Cluster) recv() {
	defer func() {
		if err := recover(); err != nil {
			cl.log.Errorw("recv panic", "err", err)
		}
		select {
		case <-cl.done:
		default:
			go cl.recv()
		}
	}()

	for msg := range cl.sub.Channel() {
		ev := ClusterEvent{}
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			cl.log.Errorw("bad cluster payload", "err", err)
			continue
		}
		if ev.NodeName == cl.name {
			continue
		}
		cl.apply(ev)
	}
}

func (cl *Cluster) apply(ev ClusterEvent) {
	switch ev.Kind {
	case "message":
		// The dedup cache also guards against redelivered cluster frames.
		if !cl.node.dedup.ShouldProcess("cluster:" + ev.Fingerprint) {
			return
		}
		cl.node.dispatch.DeliverRemote(&Message{
			Fingerprint: ev.Fingerprint,
			SenderID:    ev.SenderID,
			ReceiverID:  ev.ReceiverID,
			Content:     ev.Content,
			CreatedAt:   time.Unix(ev.CreatedAt, 0),
		}, ev.Channel)
	case "presence":
		cl.node.presence.ApplyRemote(ev.Identity, ev.Status)
	default:
		cl.log.Debugw("unknown cluster event", "kind", ev.Kind)
	}
}

// PublishMessage fans a locally stored message out to peer nodes.
func (cl *Cluster) PublishMessage(m *Message, channel string) {
	cl.send(ClusterEvent{
		NodeName:    cl.name,
		Kind:        "message",
		Channel:     channel,
		ReceiverID:  m.ReceiverID,
		Fingerprint: m.Fingerprint,
		SenderID:    m.SenderID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.Unix(),
	})
}

// PublishPresence fans a local presence transition out to peer nodes.
func (cl *Cluster) PublishPresence(identity, status string) {
	cl.send(ClusterEvent{
		NodeName: cl.name,
		Kind:     "presence",
		Identity: identity,
		Status:   status,
	})
}

func (cl *Cluster) send(ev ClusterEvent) {
	d, err := json.Marshal(ev)
	if err != nil {
		cl.log.Errorw("marshal cluster event", "err", err)
		return
	}
	if err := cl.rdb.Publish(context.Background(), cl.ch, string(d)).Err(); err != nil {
		cl.log.Errorw("publish cluster event", "err", err)
	}
}

func (cl *Cluster) Close() {
	cl.once.Do(func() { close(cl.done) })
	cl.sub.Close()
	cl.rdb.Close()
}
