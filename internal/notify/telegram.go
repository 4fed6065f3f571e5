package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Telegram шлёт уведомления в чат. Отправка никогда не блокирует торговый
// путь: выполняется в горутине, ошибки только логируются.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
	log    *logrus.Entry
}

func NewTelegram(token, chatID string, log *logrus.Entry) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (t *Telegram) Notify(text string) {
	if t == nil || t.token == "" || t.chatID == "" {
		return
	}
	go t.send(text)
}

func (t *Telegram) send(text string) {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		t.log.WithError(err).Warn("Не удалось сериализовать уведомление")
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.log.WithError(err).Warn("Не удалось отправить уведомление в Telegram")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.log.WithField("status", resp.StatusCode).Warn("Telegram вернул ошибку на уведомление")
	}
}
