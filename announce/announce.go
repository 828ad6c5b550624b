// Package announce publishes firmware update progress and rollback
// notices to an MQTT broker, so fleet tooling can watch a device's
// update without polling its REST surface. Each announcement is a
// short-lived connection: dial, connect, publish, disconnect.
package announce

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"

	"openenterprise/trickler/firmware"
)

const (
	connectRetries = 50
	connectPoll    = 100 * time.Millisecond
	mqttBufSize    = 512
)

// ErrConnectTimeout is returned when the broker does not acknowledge
// the MQTT connect in time.
var ErrConnectTimeout = errors.New("announce: mqtt connect timeout")

// Publish flags: QoS0, not retained, not duplicate.
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Announcer publishes to <topicPrefix>/status and
// <topicPrefix>/rollback. It implements firmware.Notifier, so it can
// be installed on the manager to publish every state transition.
type Announcer struct {
	brokerAddr  string
	clientID    string
	topicPrefix string
	timeout     time.Duration
	log         *slog.Logger

	mu       sync.Mutex // serializes publishes; userBuf is shared
	userBuf  [mqttBufSize]byte
	packetID uint16
}

var _ firmware.Notifier = (*Announcer)(nil)

// New builds an announcer. brokerAddr is "host:port". log may be nil;
// timeout <= 0 selects 10 seconds.
func New(brokerAddr, clientID, topicPrefix string, timeout time.Duration, log *slog.Logger) *Announcer {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Announcer{
		brokerAddr:  brokerAddr,
		clientID:    clientID,
		topicPrefix: topicPrefix,
		timeout:     timeout,
		log:         log,
	}
}

// AnnounceStatus publishes an update status snapshot.
func (a *Announcer) AnnounceStatus(st firmware.Status) error {
	return a.publish(a.topicPrefix+"/status", buildStatusPayload(st))
}

// AnnounceRollback publishes a rollback notice.
func (a *Announcer) AnnounceRollback(count uint8) error {
	return a.publish(a.topicPrefix+"/rollback", []byte("rollback count="+strconv.Itoa(int(count))))
}

// StatusChanged implements firmware.Notifier. The publish runs in the
// background so state transitions on the update path are not held up
// by broker round-trips; failures are already logged by publish.
func (a *Announcer) StatusChanged(st firmware.Status) {
	go a.AnnounceStatus(st)
}

// RollbackTriggered implements firmware.Notifier. The notice is sent
// synchronously: a reboot follows immediately and a backgrounded
// publish would be lost.
func (a *Announcer) RollbackTriggered(count uint8) {
	a.AnnounceRollback(count)
}

// buildStatusPayload renders the compact key=value form consumed by
// the fleet dashboard.
func buildStatusPayload(st firmware.Status) []byte {
	s := fmt.Sprintf("state=%s progress=%d received=%d total=%d target=%s",
		st.State, st.ProgressPercent, st.BytesReceived, st.TotalBytes, st.TargetBank)
	if st.ErrorMessage != "" {
		s += " error=" + strconv.Quote(st.ErrorMessage)
	}
	return []byte(s)
}

func (a *Announcer) publish(topic string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := net.DialTimeout("tcp", a.brokerAddr, a.timeout)
	if err != nil {
		a.log.Error("announce:dial-failed", slog.String("err", err.Error()))
		return err
	}
	defer conn.Close()

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: a.userBuf[:]},
	}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(a.clientID))

	conn.SetDeadline(time.Now().Add(a.timeout))
	if err := client.StartConnect(conn, &varconn); err != nil {
		a.log.Error("announce:connect-failed", slog.String("err", err.Error()))
		return err
	}
	for retries := connectRetries; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(connectPoll)
		if err := client.HandleNext(); err != nil {
			a.log.Warn("announce:handle-next", slog.String("err", err.Error()))
		}
	}
	if !client.IsConnected() {
		a.log.Error("announce:connect-timeout")
		return ErrConnectTimeout
	}

	a.packetID++
	pubVar := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: a.packetID,
	}
	conn.SetDeadline(time.Now().Add(a.timeout))
	if err := client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		a.log.Error("announce:publish-failed", slog.String("err", err.Error()))
		return err
	}

	a.log.Info("announce:published",
		slog.String("topic", topic),
		slog.Int("bytes", len(payload)),
	)
	client.Disconnect(errors.New("announcement complete"))
	return nil
}
