package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Wallet struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// TradingParams are the strategy knobs. They round-trip through the store as
// a named trading config, so every field carries a json tag.
type TradingParams struct {
	Pair              string  `json:"pair"`
	CandleInterval    string  `json:"candle_interval"`
	CheckIntervalSecs int     `json:"check_interval_secs"`
	MinDataPoints     int     `json:"min_data_points"`
	RSIFastPeriod     int     `json:"rsi_fast_period"`
	RSISlowPeriod     int     `json:"rsi_slow_period"`
	SMAShortPeriod    int     `json:"sma_short_period"`
	SMALongPeriod     int     `json:"sma_long_period"`
	VolatilityWindow  int     `json:"volatility_window"`
	MomentumWindow    int     `json:"momentum_window"`
	StopLoss          float64 `json:"stop_loss"`
	TakeProfit        float64 `json:"take_profit"`
	MinHoldSecs       int     `json:"min_hold_secs"`
	MinConfidence     float64 `json:"min_confidence"`
	ConfidenceFloor   float64 `json:"confidence_floor"`
	MaxPositionSize   float64 `json:"max_position_size"`
	MinPositionSize   float64 `json:"min_position_size"`
	VolatilityCeiling float64 `json:"volatility_ceiling"`
	MinVolatility     float64 `json:"min_volatility"`
	MinProfitTarget   float64 `json:"min_profit_target"`
	CooldownSecs      int     `json:"cooldown_secs"`
	PositionSizePct   float64 `json:"position_size_pct"`
	SlippageTolerance float64 `json:"slippage_tolerance"`
	MinTradeUSDC      float64 `json:"min_trade_usdc"`
}

type LearnerParams struct {
	LearningRate      float64
	SequenceLength    int
	PatternMemorySize int
}

type Config struct {
	DatabaseURL       string
	RedisURL          string
	HTTPAddr          string
	LogLevel          string
	TelegramBotToken  string
	TelegramChatID    int64
	OperatorAPIKey    string
	DBMaxConns        int
	TradingConfigName string

	Wallets []Wallet
	Trading TradingParams
	Learner LearnerParams

	TradingEnabled     bool
	ExecutorURL        string
	ExecutorRatePerSec int
	PaperUSDCBalance   float64

	StoreRetryAttempts int
	StoreRetryStepMs   int
	CallTimeoutSecs    int
}

// DefaultTradingParams mirrors the defaults applied by Load.
func DefaultTradingParams() TradingParams {
	return TradingParams{
		Pair:              "SOL/USDC",
		CandleInterval:    "1m",
		CheckIntervalSecs: 30,
		MinDataPoints:     200,
		RSIFastPeriod:     7,
		RSISlowPeriod:     21,
		SMAShortPeriod:    20,
		SMALongPeriod:     50,
		VolatilityWindow:  20,
		MomentumWindow:    10,
		StopLoss:          0.02,
		TakeProfit:        0.015,
		MinHoldSecs:       60,
		MinConfidence:     0.45,
		ConfidenceFloor:   0.35,
		MaxPositionSize:   0.9,
		MinPositionSize:   0.05,
		VolatilityCeiling: 0.08,
		MinVolatility:     0.0001,
		MinProfitTarget:   0.005,
		CooldownSecs:      300,
		PositionSizePct:   0.9,
		SlippageTolerance: 0.005,
		MinTradeUSDC:      1,
	}
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		OperatorAPIKey:   strings.TrimSpace(os.Getenv("OPERATOR_API_KEY")),
		ExecutorURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("EXECUTOR_URL")), "/"),
	}

	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.TelegramBotToken == "" {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	cfg.HTTPAddr = strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.TradingConfigName = strings.TrimSpace(os.Getenv("TRADING_CONFIG_NAME"))
	if cfg.TradingConfigName == "" {
		cfg.TradingConfigName = "default"
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = n
		} else {
			log.Warn().Str("value", v).Msg("invalid TELEGRAM_CHAT_ID, ignoring")
		}
	}

	cfg.DBMaxConns = intEnv("DB_MAX_CONNS", 20)
	if cfg.DBMaxConns < 20 {
		log.Warn().Int("value", cfg.DBMaxConns).Msg("DB_MAX_CONNS below 20, raising to 20")
		cfg.DBMaxConns = 20
	}

	cfg.Wallets = parseWallets(os.Getenv("WALLET_ADDRESSES"), os.Getenv("WALLET_NAMES"))
	if len(cfg.Wallets) == 0 {
		log.Warn().Msg("WALLET_ADDRESSES not set, using a single paper wallet")
		cfg.Wallets = []Wallet{{Name: "paper-1", Address: "paper-1"}}
	}

	d := DefaultTradingParams()
	t := TradingParams{
		Pair:              d.Pair,
		CandleInterval:    d.CandleInterval,
		CheckIntervalSecs: intEnv("CHECK_INTERVAL_SECS", d.CheckIntervalSecs),
		MinDataPoints:     intEnv("MIN_DATA_POINTS", d.MinDataPoints),
		RSIFastPeriod:     intEnv("RSI_FAST_PERIOD", d.RSIFastPeriod),
		RSISlowPeriod:     intEnv("RSI_SLOW_PERIOD", d.RSISlowPeriod),
		SMAShortPeriod:    intEnv("SMA_SHORT_PERIOD", d.SMAShortPeriod),
		SMALongPeriod:     intEnv("SMA_LONG_PERIOD", d.SMALongPeriod),
		VolatilityWindow:  intEnv("VOLATILITY_WINDOW", d.VolatilityWindow),
		MomentumWindow:    intEnv("MOMENTUM_WINDOW", d.MomentumWindow),
		StopLoss:          fractionEnv("STOP_LOSS_THRESHOLD", d.StopLoss),
		TakeProfit:        fractionEnv("TAKE_PROFIT_THRESHOLD", d.TakeProfit),
		MinHoldSecs:       intEnv("MIN_HOLD_SECS", d.MinHoldSecs),
		MinConfidence:     fractionEnv("MIN_CONFIDENCE_THRESHOLD", d.MinConfidence),
		ConfidenceFloor:   fractionEnv("SIGNAL_CONFIDENCE_FLOOR", d.ConfidenceFloor),
		MaxPositionSize:   fractionEnv("ML_MAX_POSITION_SIZE", d.MaxPositionSize),
		MinPositionSize:   fractionEnv("MIN_POSITION_SIZE", d.MinPositionSize),
		VolatilityCeiling: fractionEnv("VOLATILITY_CEILING", d.VolatilityCeiling),
		MinVolatility:     fractionEnv("MIN_VOLATILITY_FOR_TRADING", d.MinVolatility),
		MinProfitTarget:   fractionEnv("MIN_PROFIT_TARGET", d.MinProfitTarget),
		CooldownSecs:      intEnv("TRADE_COOLDOWN_SECONDS", d.CooldownSecs),
		PositionSizePct:   fractionEnv("POSITION_SIZE_PERCENTAGE", d.PositionSizePct),
		SlippageTolerance: fractionEnv("SLIPPAGE_TOLERANCE", d.SlippageTolerance),
		MinTradeUSDC:      floatEnv("MIN_TRADE_USDC", d.MinTradeUSDC),
	}
	if v := strings.ToUpper(strings.TrimSpace(os.Getenv("TRADING_PAIR"))); v != "" {
		t.Pair = v
	}
	if v := strings.TrimSpace(os.Getenv("CANDLE_INTERVAL")); v != "" {
		t.CandleInterval = v
	}
	if t.MinPositionSize > t.MaxPositionSize {
		log.Warn().
			Float64("min", t.MinPositionSize).
			Float64("max", t.MaxPositionSize).
			Msg("MIN_POSITION_SIZE above ML_MAX_POSITION_SIZE, using defaults")
		t.MinPositionSize, t.MaxPositionSize = d.MinPositionSize, d.MaxPositionSize
	}
	cfg.Trading = t

	cfg.Learner = LearnerParams{
		LearningRate:      fractionEnv("LEARNING_RATE", 0.01),
		SequenceLength:    intEnv("SEQUENCE_LENGTH", 20),
		PatternMemorySize: intEnv("PATTERN_MEMORY_SIZE", 1000),
	}

	cfg.TradingEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv("ENABLE_TRADING_EXECUTION")), "true")
	if !cfg.TradingEnabled {
		log.Warn().Msg("ENABLE_TRADING_EXECUTION not true, running in dry-run mode")
	}
	cfg.ExecutorRatePerSec = intEnv("EXECUTOR_RATE_PER_SEC", 2)
	cfg.PaperUSDCBalance = floatEnv("PAPER_USDC_BALANCE", 1000)

	cfg.StoreRetryAttempts = intEnv("STORE_RETRY_ATTEMPTS", 3)
	cfg.StoreRetryStepMs = intEnv("STORE_RETRY_STEP_MS", 100)
	cfg.CallTimeoutSecs = intEnv("CALL_TIMEOUT_SECS", 12)

	return cfg
}

func parseWallets(addresses, names string) []Wallet {
	var nameList []string
	for _, n := range strings.Split(names, ",") {
		nameList = append(nameList, strings.TrimSpace(n))
	}

	var wallets []Wallet
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(addresses, ",") {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			log.Warn().Str("wallet", addr).Msg("duplicate wallet address ignored")
			continue
		}
		seen[addr] = struct{}{}
		name := "wallet-" + strconv.Itoa(len(wallets)+1)
		if i := len(wallets); i < len(nameList) && nameList[i] != "" {
			name = nameList[i]
		}
		wallets = append(wallets, Wallet{Name: name, Address: addr})
	}
	return wallets
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("invalid value, using default")
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("invalid value, using default")
		return def
	}
	return n
}

// fractionEnv is floatEnv restricted to (0, 1].
func fractionEnv(key string, def float64) float64 {
	n := floatEnv(key, def)
	if n > 1 {
		log.Warn().Str("key", key).Float64("value", n).Float64("default", def).Msg("fraction above 1, using default")
		return def
	}
	return n
}
