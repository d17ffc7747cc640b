package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/notify"
)

func TestWhatsApp_Send(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantID        string
		wantErr       bool
		wantPermanent bool
	}{
		{"accepted", http.StatusOK, `{"messages":[{"id":"wamid.HBg"}]}`, "wamid.HBg", false, false},
		{"invalid number", http.StatusBadRequest, `{"error":{"message":"Invalid parameter","code":100}}`, "", true, true},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Too many","code":130429}}`, "", true, false},
		{"server error", http.StatusBadGateway, `bad gateway`, "", true, false},
		{"no id", http.StatusOK, `{"messages":[]}`, "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got waTextMessage
			var auth, path string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth = r.Header.Get("Authorization")
				path = r.URL.Path
				json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ch := NewWhatsApp(config.WhatsAppConfig{Token: "tok", PhoneNumberID: "555", APIBase: srv.URL + "/v19.0/"})
			id, err := ch.Send(context.Background(), "+5511999", "Camera offline", nil)

			if path != "/v19.0/555/messages" || auth != "Bearer tok" {
				t.Errorf("unexpected request path=%q auth=%q", path, auth)
			}
			if got.To != "5511999" || got.Text.Body != "Camera offline" || got.MessagingProduct != "whatsapp" {
				t.Errorf("unexpected payload %+v", got)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && notify.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", notify.IsPermanent(err), tt.wantPermanent)
			}
			if id != tt.wantID {
				t.Errorf("id = %q, want %q", id, tt.wantID)
			}
		})
	}
}
