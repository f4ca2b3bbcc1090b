package storage

// schema is applied on every open; every statement is idempotent so startup
// never fails against an already-migrated database. Money/price columns are
// stored as TEXT (decimal string) — SQLite has no fixed-point type and REAL
// would reintroduce float rounding into ledger data. Dates are stored as
// TEXT in "2006-01-02" form (or RFC3339 for timestamps), matching how every
// date-bearing column is keyed and range-queried.
const schema = `
CREATE TABLE IF NOT EXISTS stocks (
    code     TEXT PRIMARY KEY,
    name     TEXT NOT NULL,
    market   TEXT NOT NULL DEFAULT '',
    industry TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS daily_prices (
    code   TEXT NOT NULL,
    date   TEXT NOT NULL,
    open   TEXT NOT NULL,
    high   TEXT NOT NULL,
    low    TEXT NOT NULL,
    close  TEXT NOT NULL,
    volume TEXT NOT NULL,
    amount TEXT NOT NULL DEFAULT '0',
    PRIMARY KEY (code, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_prices_date ON daily_prices(date);

CREATE TABLE IF NOT EXISTS index_daily (
    code  TEXT NOT NULL,
    date  TEXT NOT NULL,
    open  TEXT NOT NULL,
    high  TEXT NOT NULL,
    low   TEXT NOT NULL,
    close TEXT NOT NULL,
    volume TEXT NOT NULL,
    PRIMARY KEY (code, date)
);

CREATE TABLE IF NOT EXISTS trading_calendar (
    exchange TEXT NOT NULL,
    date     TEXT NOT NULL,
    is_open  INTEGER NOT NULL,
    PRIMARY KEY (exchange, date)
);
CREATE INDEX IF NOT EXISTS idx_calendar_date ON trading_calendar(date);

CREATE TABLE IF NOT EXISTS strategies (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    name                  TEXT NOT NULL UNIQUE,
    description           TEXT NOT NULL DEFAULT '',
    buy_conditions        TEXT NOT NULL DEFAULT '[]',
    sell_conditions       TEXT NOT NULL DEFAULT '[]',
    exit_config           TEXT NOT NULL DEFAULT '{}',
    portfolio_config      TEXT,
    category              TEXT NOT NULL DEFAULT '',
    weight                REAL NOT NULL DEFAULT 1.0,
    source_experiment_id  INTEGER,
    enabled               INTEGER NOT NULL DEFAULT 1,
    deleted_at            TEXT
);

CREATE TABLE IF NOT EXISTS experiments (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    theme             TEXT NOT NULL,
    source_type       TEXT NOT NULL,
    source_text       TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    initial_capital   TEXT NOT NULL DEFAULT '100000',
    max_positions     INTEGER NOT NULL DEFAULT 10,
    max_position_pct  REAL NOT NULL DEFAULT 30,
    strategy_count    INTEGER NOT NULL DEFAULT 0,
    created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS experiment_strategies (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_id         INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
    name                  TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    buy_conditions        TEXT NOT NULL DEFAULT '[]',
    sell_conditions       TEXT NOT NULL DEFAULT '[]',
    exit_config           TEXT NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL,
    error_message         TEXT NOT NULL DEFAULT '',
    total_trades          INTEGER NOT NULL DEFAULT 0,
    win_rate              REAL NOT NULL DEFAULT 0,
    total_return_pct      REAL NOT NULL DEFAULT 0,
    max_drawdown_pct      REAL NOT NULL DEFAULT 0,
    avg_hold_days         REAL NOT NULL DEFAULT 0,
    avg_pnl_pct           REAL NOT NULL DEFAULT 0,
    score                 REAL NOT NULL DEFAULT 0,
    regime_stats          TEXT NOT NULL DEFAULT '{}',
    backtest_run_id       INTEGER,
    promoted_strategy_id  INTEGER,
    seq                   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exp_strat_experiment ON experiment_strategies(experiment_id, seq);

CREATE TABLE IF NOT EXISTS backtest_runs (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id        INTEGER,
    strategy_name      TEXT NOT NULL,
    start_date         TEXT NOT NULL,
    end_date           TEXT NOT NULL,
    initial_capital    TEXT NOT NULL,
    max_positions      INTEGER NOT NULL,
    total_trades       INTEGER NOT NULL DEFAULT 0,
    win_rate           REAL NOT NULL DEFAULT 0,
    total_return_pct   REAL NOT NULL DEFAULT 0,
    max_drawdown_pct   REAL NOT NULL DEFAULT 0,
    avg_hold_days      REAL NOT NULL DEFAULT 0,
    avg_pnl_pct        REAL NOT NULL DEFAULT 0,
    cagr_pct           REAL NOT NULL DEFAULT 0,
    sharpe_ratio       REAL NOT NULL DEFAULT 0,
    calmar_ratio       REAL NOT NULL DEFAULT 0,
    profit_loss_ratio  REAL NOT NULL DEFAULT 0,
    index_return_pct   REAL NOT NULL DEFAULT 0,
    regime_stats       TEXT NOT NULL DEFAULT '{}',
    equity_curve       TEXT NOT NULL DEFAULT '[]',
    sell_reason_stats  TEXT NOT NULL DEFAULT '{}',
    created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_trades (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         INTEGER NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
    stock_code     TEXT NOT NULL,
    strategy_name  TEXT NOT NULL,
    buy_date       TEXT NOT NULL,
    buy_price      TEXT NOT NULL,
    sell_date      TEXT,
    sell_price     TEXT,
    sell_reason    TEXT NOT NULL DEFAULT '',
    pnl_pct        REAL NOT NULL DEFAULT 0,
    hold_days      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id);

CREATE TABLE IF NOT EXISTS market_regime_labels (
    week_start        TEXT PRIMARY KEY,
    week_end          TEXT NOT NULL,
    regime            TEXT NOT NULL,
    confidence        REAL NOT NULL DEFAULT 0,
    trend_strength    REAL NOT NULL DEFAULT 0,
    volatility        REAL NOT NULL DEFAULT 0,
    index_return_pct  REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trading_signals (
    code              TEXT NOT NULL,
    date              TEXT NOT NULL,
    action            TEXT NOT NULL,
    alpha_score       REAL NOT NULL DEFAULT 0,
    oversold_score    REAL NOT NULL DEFAULT 0,
    consensus_score   REAL NOT NULL DEFAULT 0,
    volume_price_score REAL NOT NULL DEFAULT 0,
    strategies        TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (code, date)
);

CREATE TABLE IF NOT EXISTS trade_plans (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    code             TEXT NOT NULL,
    direction        TEXT NOT NULL,
    plan_price       TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    sell_pct         REAL NOT NULL DEFAULT 0,
    plan_date        TEXT NOT NULL,
    status           TEXT NOT NULL,
    execution_price  TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_plans_pending
    ON trade_plans(code, direction) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS bot_portfolio (
    code      TEXT PRIMARY KEY,
    quantity  INTEGER NOT NULL,
    avg_cost  TEXT NOT NULL,
    buy_date  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_trades (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    code        TEXT NOT NULL,
    action      TEXT NOT NULL,
    quantity    INTEGER NOT NULL,
    price       TEXT NOT NULL,
    amount      TEXT NOT NULL,
    plan_id     INTEGER,
    trade_date  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_trade_reviews (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    code       TEXT NOT NULL,
    closed_at  TEXT NOT NULL,
    pnl_pct    REAL NOT NULL DEFAULT 0,
    hold_days  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ai_reports (
    id                        INTEGER PRIMARY KEY AUTOINCREMENT,
    date                      TEXT NOT NULL UNIQUE,
    report_type               TEXT NOT NULL DEFAULT '',
    market_regime             TEXT NOT NULL DEFAULT '',
    market_regime_confidence  REAL NOT NULL DEFAULT 0,
    recommendations           TEXT NOT NULL DEFAULT '[]',
    strategy_actions          TEXT NOT NULL DEFAULT '[]',
    thinking_process          TEXT NOT NULL DEFAULT '',
    summary                   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pipeline_state (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`
