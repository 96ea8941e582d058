package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// 运行环境。
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	ImageAPI ImageAPIConfig `json:"image_api"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: development / production / test
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	LogFile          string        `json:"log_file"`           // 日志文件（为空只输出 stdout）
	HTTPAddr         string        `json:"http_addr"`          // API 服务监听地址
	ActivityWindow   time.Duration `json:"activity_window"`    // 活跃用户统计窗口（如 "15m"）
	AnonResultTTL    time.Duration `json:"anon_result_ttl"`    // 匿名生成结果在 Redis 中的保留时间
	MailWorkers      int           `json:"mail_workers"`       // 邮件 worker 数量
	MailQueueSize    int           `json:"mail_queue_size"`    // 邮件队列容量
	ShutdownTimeout  time.Duration `json:"shutdown_timeout"`   // 优雅关闭超时
	StaticUploadsDir string        `json:"static_uploads_dir"` // 头像等静态文件目录
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN             string        `json:"dsn"`               // 数据库连接字符串
	MaxOpenConns    int           `json:"max_open_conns"`    // 连接池上限
	MaxIdleConns    int           `json:"max_idle_conns"`    // 空闲连接数
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"` // 连接最长存活时间
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret         string      `json:"jwt_secret"`          // JWT 签名密钥（生产环境必填）
	AllowedOrigins    []string    `json:"allowed_origins"`     // CORS 允许的来源
	EnforceUserStatus bool        `json:"enforce_user_status"` // 普通用户是否也校验账户状态
	LoginRateLimit    float64     `json:"login_rate_limit"`    // 登录/注册限流速率（token/s）
	LoginRateBurst    float64     `json:"login_rate_burst"`    // 登录/注册限流桶容量
	BootstrapAdmins   []AdminSeed `json:"bootstrap_admins"`    // 启动时确保存在的管理员
}

// AdminSeed 启动时写入 admins 表的管理员账户。
type AdminSeed struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ImageAPIConfig 第三方图片生成服务配置。
type ImageAPIConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout"`
}

// IsDevelopment 是否开发环境。
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.App.Env, EnvDevelopment)
}

// IsProduction 是否生产环境。
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, EnvProduction)
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量优先级最高。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate 启动前校验配置。
//
// 生产环境缺少签名密钥时直接失败；非生产环境生成一个仅本进程有效的随机密钥。
func (c *Config) Validate(logger *slog.Logger) error {
	secret := strings.TrimSpace(c.Security.JWTSecret)
	switch {
	case secret == "" && c.IsProduction():
		return errors.New("JWT_SECRET is required in production")
	case secret == "":
		generated, err := randomSecret(32)
		if err != nil {
			return fmt.Errorf("generate ephemeral jwt secret: %w", err)
		}
		c.Security.JWTSecret = generated
		if logger != nil {
			logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart",
				slog.String("env", c.App.Env))
		}
	case c.IsProduction() && len(secret) < 32:
		return errors.New("JWT_SECRET must be at least 32 characters in production")
	}

	if c.MySQL.DSN == "" {
		return errors.New("mysql dsn is empty")
	}
	for i, seed := range c.Security.BootstrapAdmins {
		if seed.Username == "" || seed.Email == "" || seed.Password == "" {
			return fmt.Errorf("bootstrap admin #%d: username, email and password are required", i)
		}
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              EnvDevelopment,
			LogLevel:         "info",
			HTTPAddr:         ":5004",
			ActivityWindow:   15 * time.Minute,
			AnonResultTTL:    time.Hour,
			MailWorkers:      2,
			MailQueueSize:    100,
			ShutdownTimeout:  5 * time.Second,
			StaticUploadsDir: "./uploads",
		},
		MySQL: MySQLConfig{
			DSN:             "root:password@tcp(localhost:3306)/imggen?parseTime=true&loc=Local&charset=utf8mb4",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			LoginRateLimit: 1,
			LoginRateBurst: 10,
		},
		ImageAPI: ImageAPIConfig{
			BaseURL: "https://api.siliconflow.cn/v1",
			Timeout: 60 * time.Second,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ActivityWindow == 0 {
		cfg.App.ActivityWindow = defaults.App.ActivityWindow
	}
	if cfg.App.AnonResultTTL == 0 {
		cfg.App.AnonResultTTL = defaults.App.AnonResultTTL
	}
	if cfg.App.MailWorkers == 0 {
		cfg.App.MailWorkers = defaults.App.MailWorkers
	}
	if cfg.App.MailQueueSize == 0 {
		cfg.App.MailQueueSize = defaults.App.MailQueueSize
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = defaults.App.ShutdownTimeout
	}
	if cfg.App.StaticUploadsDir == "" {
		cfg.App.StaticUploadsDir = defaults.App.StaticUploadsDir
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.MySQL.MaxOpenConns == 0 {
		cfg.MySQL.MaxOpenConns = defaults.MySQL.MaxOpenConns
	}
	if cfg.MySQL.MaxIdleConns == 0 {
		cfg.MySQL.MaxIdleConns = defaults.MySQL.MaxIdleConns
	}
	if cfg.MySQL.ConnMaxLifetime == 0 {
		cfg.MySQL.ConnMaxLifetime = defaults.MySQL.ConnMaxLifetime
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.LoginRateLimit == 0 {
		cfg.Security.LoginRateLimit = defaults.Security.LoginRateLimit
	}
	if cfg.Security.LoginRateBurst == 0 {
		cfg.Security.LoginRateBurst = defaults.Security.LoginRateBurst
	}
	if cfg.ImageAPI.BaseURL == "" {
		cfg.ImageAPI.BaseURL = defaults.ImageAPI.BaseURL
	}
	if cfg.ImageAPI.Timeout == 0 {
		cfg.ImageAPI.Timeout = defaults.ImageAPI.Timeout
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	_ = v.BindEnv("db_host", "DB_HOST")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("allowed_origins", "CORS_ORIGIN", "ALLOWED_ORIGINS")
	_ = v.BindEnv("image_api_key", "IMAGE_API_KEY", "SILICONFLOW_API_KEY")

	if val := os.Getenv("APP_ENV"); val != "" {
		cfg.App.Env = strings.ToLower(val)
	} else if val := os.Getenv("NODE_ENV"); val != "" {
		cfg.App.Env = strings.ToLower(val)
	}
	if val := os.Getenv("APP_LOG_LEVEL"); val != "" {
		cfg.App.LogLevel = val
	}
	if val := os.Getenv("APP_LOG_FILE"); val != "" {
		cfg.App.LogFile = val
	}
	if val := os.Getenv("APP_HTTP_ADDR"); val != "" {
		cfg.App.HTTPAddr = val
	} else if val := os.Getenv("PORT"); val != "" {
		cfg.App.HTTPAddr = ":" + val
	}
	if val := os.Getenv("APP_ACTIVITY_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.App.ActivityWindow = d
		}
	}
	if val := os.Getenv("APP_ANON_RESULT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.App.AnonResultTTL = d
		}
	}
	if val := os.Getenv("APP_ENFORCE_USER_STATUS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Security.EnforceUserStatus = b
		}
	}
	if val := os.Getenv("APP_LOGIN_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Security.LoginRateLimit = f
		}
	}
	if val := os.Getenv("APP_LOGIN_RATE_BURST"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Security.LoginRateBurst = f
		}
	}

	if val := v.GetString("jwt_secret"); val != "" {
		cfg.Security.JWTSecret = val
	}
	if val := v.GetString("allowed_origins"); val != "" {
		cfg.Security.AllowedOrigins = SplitList(val)
	}
	if val := os.Getenv("ADMIN_BOOTSTRAP"); val != "" {
		cfg.Security.BootstrapAdmins = parseAdminSeeds(val)
	}

	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.MySQL.DSN = val
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if host := v.GetString("db_host"); host != "" {
			parsed.Addr = host + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if port := os.Getenv("DB_PORT"); port != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + port
		}
		if user := os.Getenv("DB_USER"); user != "" {
			parsed.User = user
		}
		if pass := v.GetString("db_password"); pass != "" {
			parsed.Passwd = pass
		}
		if name := os.Getenv("DB_NAME"); name != "" {
			parsed.DBName = name
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}
	if val := os.Getenv("DB_MAX_OPEN_CONNS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.MySQL.MaxOpenConns = i
		}
	}

	if val := v.GetString("redis_addr"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := v.GetString("redis_password"); val != "" {
		cfg.Redis.Password = val
	}

	if val := os.Getenv("SMTP_HOST"); val != "" {
		cfg.Email.SMTPHost = val
	}
	if val := os.Getenv("SMTP_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if val := os.Getenv("SMTP_USER"); val != "" {
		cfg.Email.SMTPUser = val
	}
	if val := v.GetString("smtp_pass"); val != "" {
		cfg.Email.SMTPPass = val
	}
	if val := os.Getenv("SMTP_FROM"); val != "" {
		cfg.Email.FromEmail = val
	}

	if val := os.Getenv("IMAGE_API_BASE_URL"); val != "" {
		cfg.ImageAPI.BaseURL = val
	}
	if val := v.GetString("image_api_key"); val != "" {
		cfg.ImageAPI.APIKey = val
	}
}

// SplitList 按逗号切分并去掉空白项。
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAdminSeeds 解析 "user:email:password;user2:email2:password2"。
func parseAdminSeeds(raw string) []AdminSeed {
	var seeds []AdminSeed
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		seeds = append(seeds, AdminSeed{
			Username: strings.TrimSpace(parts[0]),
			Email:    strings.TrimSpace(parts[1]),
			Password: parts[2],
		})
	}
	return seeds
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "imggen"
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ActivityWindow  string `json:"activity_window"`
		AnonResultTTL   string `json:"anon_result_ttl"`
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"activity_window", aux.ActivityWindow, &a.ActivityWindow},
		{"anon_result_ttl", aux.AnonResultTTL, &a.AnonResultTTL},
		{"shutdown_timeout", aux.ShutdownTimeout, &a.ShutdownTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// UnmarshalJSON 支持 "30m" 形式的连接存活时间。
func (m *MySQLConfig) UnmarshalJSON(data []byte) error {
	type Alias MySQLConfig
	aux := &struct {
		ConnMaxLifetime string `json:"conn_max_lifetime"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(aux.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("invalid conn_max_lifetime format: %w", err)
		}
		m.ConnMaxLifetime = d
	}
	return nil
}

// UnmarshalJSON 支持 "60s" 形式的超时。
func (i *ImageAPIConfig) UnmarshalJSON(data []byte) error {
	type Alias ImageAPIConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(i),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		i.Timeout = d
	}
	return nil
}
