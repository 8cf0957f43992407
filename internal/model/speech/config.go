package speech

// SpeechConfig 流式语音识别配置
type SpeechConfig struct {
	// Volcengine 配置
	AppID          string `json:"appId"`            // 火山引擎 APP ID
	AccessToken    string `json:"accessToken"`      // 火山引擎 Access Token
	APIKey         string `json:"apiKey,omitempty"` // 兼容旧配置的 API Key
	BaseURL        string `json:"baseUrl"`          // 覆盖默认的 ASR WebSocket 地址
	ConcurrentMode bool   `json:"concurrentMode"`   // ASR并发模式（false为小时版）

	// ASR 配置
	ASRModel    string `json:"asrModel"`
	AudioFormat string `json:"audioFormat"` // pcm, wav, ogg
	SampleRate  int    `json:"sampleRate"`

	// 通用配置
	Timeout int `json:"timeout"` // seconds, websocket handshake
}
