package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClient はSSRF防止付きHTTPクライアントの生成をテストする。
func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(10 * time.Second)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != 10*time.Second {
		t.Errorf("expected timeout %v, got %v", 10*time.Second, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport with dialer validation")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストを
// ブロックすることをテストする。httptestサーバーは127.0.0.1で起動されるため、
// safeurlのDialer検証がブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5 * time.Second)

	resp, err := client.Get(ts.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected loopback request to be blocked, but it succeeded")
	}
}

// TestValidateURL はCalDAV接続URLの事前検証をテストする。
func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "正常なhttps URL", url: "https://caldav.icloud.com/", wantErr: false},
		{name: "正常なパス付きURL", url: "https://dav.example.com/calendars/taro/home/", wantErr: false},
		{name: "httpは拒否", url: "http://dav.example.com/", wantErr: true},
		{name: "空URL", url: "", wantErr: true},
		{name: "スキームなし", url: "dav.example.com/calendars", wantErr: true},
		{name: "fileスキーム", url: "file:///etc/passwd", wantErr: true},
		{name: "localhost", url: "https://localhost/dav", wantErr: true},
		{name: "ループバックIP", url: "https://127.0.0.1/dav", wantErr: true},
		{name: "プライベートIP 10系", url: "https://10.0.0.5/dav", wantErr: true},
		{name: "プライベートIP 192.168系", url: "https://192.168.1.10/dav", wantErr: true},
		{name: "メタデータIP", url: "https://169.254.169.254/latest/meta-data/", wantErr: true},
		{name: "IPv6ループバック", url: "https://[::1]/dav", wantErr: true},
		{name: "パブリックIP", url: "https://93.184.216.34/dav", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
