package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evercent/internal/core"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection keeps concurrent runs from hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- users ---

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.UserData) error {
	if err := u.Validate(); err != nil {
		return storeErr("create user", err)
	}
	budgetID := core.NormalizeID(u.BudgetID)
	if budgetID == "" {
		budgetID = core.PlaceholderBudgetID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, email, username, budget_id, monthly_income, pay_frequency, next_paydate, months_ahead_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		core.NormalizeID(u.UserID), u.Email, u.Username, budgetID,
		u.MonthlyIncome, string(u.PayFrequency), formatTime(u.NextPaydate), u.MonthsAheadTarget)
	return storeErr("create user", err)
}

const userColumns = `user_id, email, username, budget_id, monthly_income, pay_frequency, next_paydate, months_ahead_target`

func (r *SQLiteRepository) GetUserData(ctx context.Context, email string) (core.UserData, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	return u, storeErr("get user data", err)
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, userID string) (core.UserData, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, core.NormalizeID(userID))
	u, err := scanUser(row)
	return u, storeErr("get user by id", err)
}

func scanUser(row *sql.Row) (core.UserData, error) {
	var (
		u       core.UserData
		freq    string
		paydate string
	)
	err := row.Scan(&u.UserID, &u.Email, &u.Username, &u.BudgetID, &u.MonthlyIncome, &freq, &paydate, &u.MonthsAheadTarget)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserData{}, core.ErrNotFound
	}
	if err != nil {
		return core.UserData{}, err
	}
	u.PayFrequency = core.PayFrequency(freq)
	if u.NextPaydate, err = parseTime(paydate); err != nil {
		return core.UserData{}, err
	}
	return u, nil
}

func (r *SQLiteRepository) UpdateUserDetails(ctx context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET monthly_income = ?, pay_frequency = ?, next_paydate = ? WHERE user_id = ?`,
		monthlyIncome, string(freq), formatTime(nextPaydate), core.NormalizeID(userID))
	return storeErr("update user details", mustAffect(res, err))
}

func (r *SQLiteRepository) UpdateMonthsAheadTarget(ctx context.Context, userID string, target int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET months_ahead_target = ? WHERE user_id = ?`,
		target, core.NormalizeID(userID))
	return storeErr("update months ahead target", mustAffect(res, err))
}

func (r *SQLiteRepository) UpdateBudgetID(ctx context.Context, userID, budgetID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET budget_id = ? WHERE user_id = ?`,
		core.NormalizeID(budgetID), core.NormalizeID(userID))
	return storeErr("update budget id", mustAffect(res, err))
}

// --- tokens ---

func (r *SQLiteRepository) GetTokenDetails(ctx context.Context, userID string) (core.TokenDetails, error) {
	var (
		t   core.TokenDetails
		exp string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiration_date FROM token_details WHERE user_id = ?`,
		core.NormalizeID(userID)).Scan(&t.AccessToken, &t.RefreshToken, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TokenDetails{}, storeErr("get token details", core.ErrNotFound)
	}
	if err != nil {
		return core.TokenDetails{}, storeErr("get token details", err)
	}
	if t.ExpirationDate, err = parseTime(exp); err != nil {
		return core.TokenDetails{}, storeErr("get token details", err)
	}
	return t, nil
}

func (r *SQLiteRepository) SaveTokenDetails(ctx context.Context, userID string, t core.TokenDetails) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_details (user_id, access_token, refresh_token, expiration_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiration_date = excluded.expiration_date`,
		core.NormalizeID(userID), t.AccessToken, t.RefreshToken, formatTime(t.ExpirationDate))
	return storeErr("save token details", err)
}

// --- categories ---

// GetBudgetCategoryConfig seeds a stored row for every ledger category not yet
// known and returns the stored configuration of all of them.
func (r *SQLiteRepository) GetBudgetCategoryConfig(ctx context.Context, userID, budgetID string, cats []core.BudgetMonthCategory) ([]core.CategoryConfig, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO categories (guid, user_id, budget_id, category_group_id, category_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, budget_id, category_id) DO UPDATE SET
				category_group_id = excluded.category_group_id`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range cats {
			if _, err := stmt.ExecContext(ctx, uuid.NewString(), userID, budgetID,
				core.NormalizeID(c.CategoryGroupID), core.NormalizeID(c.CategoryID)); err != nil {
				return fmt.Errorf("seed category %s: %w", c.CategoryID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("get budget category config", err)
	}

	configs, err := r.loadCategoryConfigs(ctx, userID, budgetID)
	return configs, storeErr("get budget category config", err)
}

func (r *SQLiteRepository) loadCategoryConfigs(ctx context.Context, userID, budgetID string) ([]core.CategoryConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.guid, c.category_group_id, c.category_id, c.amount, c.extra_amount,
			re.is_monthly, re.next_due_date, re.months_divisor, re.repeat_freq_num,
			re.repeat_freq_type, re.include_on_chart, re.multiple_transactions,
			ue.total_expense_amount
		FROM categories c
		LEFT JOIN regular_expenses re ON re.guid = c.guid
		LEFT JOIN upcoming_expenses ue ON ue.guid = c.guid
		WHERE c.user_id = ? AND c.budget_id = ?
		ORDER BY c.category_group_id, c.category_id`, userID, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.CategoryConfig
	for rows.Next() {
		var (
			c        core.CategoryConfig
			monthly  sql.NullBool
			due      sql.NullString
			divisor  sql.NullInt64
			freqNum  sql.NullInt64
			freqType sql.NullString
			onChart  sql.NullBool
			multi    sql.NullBool
			upcoming decimal.NullDecimal
		)
		if err := rows.Scan(&c.GUID, &c.CategoryGroupID, &c.CategoryID, &c.Amount, &c.ExtraAmount,
			&monthly, &due, &divisor, &freqNum, &freqType, &onChart, &multi, &upcoming); err != nil {
			return nil, err
		}
		if monthly.Valid {
			dueDate, err := parseTime(due.String)
			if err != nil {
				return nil, err
			}
			c.Regular = &core.RegularExpenseDetails{
				IsMonthly:            monthly.Bool,
				NextDueDate:          dueDate,
				MonthsDivisor:        int(divisor.Int64),
				RepeatFreqNum:        int(freqNum.Int64),
				RepeatFreqType:       core.RepeatFrequencyType(freqType.String),
				IncludeOnChart:       onChart.Bool,
				MultipleTransactions: multi.Bool,
			}
		}
		if upcoming.Valid {
			c.Upcoming = &core.UpcomingExpenseDetails{ExpenseAmount: upcoming.Decimal}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCategoryConfig upserts the stored configuration of each category.
func (r *SQLiteRepository) SaveCategoryConfig(ctx context.Context, userID, budgetID string, configs []core.CategoryConfig) error {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return storeErr("save category config", err)
		}
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range configs {
			guid := c.GUID
			if guid == "" {
				guid = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (guid, user_id, budget_id, category_group_id, category_id, amount, extra_amount)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, budget_id, category_id) DO UPDATE SET
					category_group_id = excluded.category_group_id,
					amount = excluded.amount,
					extra_amount = excluded.extra_amount`,
				guid, userID, budgetID, core.NormalizeID(c.CategoryGroupID), core.NormalizeID(c.CategoryID),
				c.Amount, c.ExtraAmount); err != nil {
				return fmt.Errorf("upsert category %s: %w", c.CategoryID, err)
			}
			if err := tx.QueryRowContext(ctx, `
				SELECT guid FROM categories WHERE user_id = ? AND budget_id = ? AND category_id = ?`,
				userID, budgetID, core.NormalizeID(c.CategoryID)).Scan(&guid); err != nil {
				return fmt.Errorf("resolve category guid: %w", err)
			}

			if err := saveRegular(ctx, tx, guid, c.Regular); err != nil {
				return err
			}
			if err := saveUpcoming(ctx, tx, guid, c.Upcoming); err != nil {
				return err
			}
		}
		return nil
	})
	return storeErr("save category config", err)
}

func saveRegular(ctx context.Context, tx *sql.Tx, guid string, d *core.RegularExpenseDetails) error {
	if d == nil {
		_, err := tx.ExecContext(ctx, `DELETE FROM regular_expenses WHERE guid = ?`, guid)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO regular_expenses (guid, is_monthly, next_due_date, months_divisor, repeat_freq_num,
			repeat_freq_type, include_on_chart, multiple_transactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			is_monthly = excluded.is_monthly,
			next_due_date = excluded.next_due_date,
			months_divisor = excluded.months_divisor,
			repeat_freq_num = excluded.repeat_freq_num,
			repeat_freq_type = excluded.repeat_freq_type,
			include_on_chart = excluded.include_on_chart,
			multiple_transactions = excluded.multiple_transactions`,
		guid, d.IsMonthly, formatTime(d.NextDueDate), d.MonthsDivisor, d.RepeatFreqNum,
		string(d.RepeatFreqType), d.IncludeOnChart, d.MultipleTransactions)
	if err != nil {
		return fmt.Errorf("save regular expense: %w", err)
	}
	return nil
}

func saveUpcoming(ctx context.Context, tx *sql.Tx, guid string, d *core.UpcomingExpenseDetails) error {
	if d == nil {
		_, err := tx.ExecContext(ctx, `DELETE FROM upcoming_expenses WHERE guid = ?`, guid)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO upcoming_expenses (guid, total_expense_amount) VALUES (?, ?)
		ON CONFLICT(guid) DO UPDATE SET total_expense_amount = excluded.total_expense_amount`,
		guid, d.ExpenseAmount)
	if err != nil {
		return fmt.Errorf("save upcoming expense: %w", err)
	}
	return nil
}

// GetRegularExpenseDetails returns nil when the category has no regular details.
func (r *SQLiteRepository) GetRegularExpenseDetails(ctx context.Context, userID, budgetID, categoryID string) (*core.RegularExpenseDetails, error) {
	var (
		d        core.RegularExpenseDetails
		due      string
		freqType string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT re.is_monthly, re.next_due_date, re.months_divisor, re.repeat_freq_num,
			re.repeat_freq_type, re.include_on_chart, re.multiple_transactions
		FROM categories c
		JOIN regular_expenses re ON re.guid = c.guid
		WHERE c.user_id = ? AND c.budget_id = ? AND c.category_id = ?`,
		core.NormalizeID(userID), core.NormalizeID(budgetID), core.NormalizeID(categoryID)).
		Scan(&d.IsMonthly, &due, &d.MonthsDivisor, &d.RepeatFreqNum, &freqType, &d.IncludeOnChart, &d.MultipleTransactions)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get regular expense details", err)
	}
	d.RepeatFreqType = core.RepeatFrequencyType(freqType)
	if d.NextDueDate, err = parseTime(due); err != nil {
		return nil, storeErr("get regular expense details", err)
	}
	return &d, nil
}

// UpdateCategoryExpenseDivisor rolls a recurring expense over to its next
// cycle: the divisor becomes the full frequency and the due date advances by it.
func (r *SQLiteRepository) UpdateCategoryExpenseDivisor(ctx context.Context, userID, budgetID, categoryGUID string) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			due      string
			freqNum  int
			freqType string
			monthly  bool
		)
		err := tx.QueryRowContext(ctx, `
			SELECT re.next_due_date, re.repeat_freq_num, re.repeat_freq_type, re.is_monthly
			FROM regular_expenses re
			JOIN categories c ON c.guid = re.guid
			WHERE re.guid = ? AND c.user_id = ? AND c.budget_id = ?`,
			categoryGUID, core.NormalizeID(userID), core.NormalizeID(budgetID)).Scan(&due, &freqNum, &freqType, &monthly)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if monthly {
			return nil
		}
		dueDate, err := parseTime(due)
		if err != nil {
			return err
		}
		months := core.RegularExpenseDetails{RepeatFreqNum: freqNum, RepeatFreqType: core.RepeatFrequencyType(freqType)}.FrequencyMonths()
		_, err = tx.ExecContext(ctx, `
			UPDATE regular_expenses SET months_divisor = ?, next_due_date = ? WHERE guid = ?`,
			months, formatTime(dueDate.AddDate(0, months, 0)), categoryGUID)
		return err
	})
	return storeErr("update category expense divisor", err)
}

// --- auto runs ---

func (r *SQLiteRepository) GetAutoRunData(ctx context.Context, userID, budgetID string) (core.AutoRunData, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	var (
		data core.AutoRunData
		err  error
	)

	if data.Runs, err = r.queryRuns(ctx, `
		SELECT run_id, user_id, budget_id, run_time, is_locked FROM auto_runs
		WHERE user_id = ? AND budget_id = ? AND is_complete = 0
		ORDER BY run_time`, userID, budgetID); err != nil {
		return core.AutoRunData{}, storeErr("get auto run data", err)
	}

	toggles, err := r.queryRunCategories(ctx, `
		SELECT t.run_id, t.category_guid, COALESCE(c.category_group_id, ''), COALESCE(c.category_id, ''),
			t.posting_month, t.is_included, '0', NULL, NULL, NULL, '0', '0', '0', '0'
		FROM auto_run_toggles t
		JOIN auto_runs r ON r.run_id = t.run_id
		LEFT JOIN categories c ON c.guid = t.category_guid
		WHERE r.user_id = ? AND r.budget_id = ? AND r.is_complete = 0 AND r.is_locked = 0
		ORDER BY t.run_id, t.category_guid, t.posting_month`, userID, budgetID)
	if err != nil {
		return core.AutoRunData{}, storeErr("get auto run data", err)
	}
	locked, err := r.queryRunCategories(ctx, `
		SELECT l.run_id, COALESCE(c.guid, ''), COALESCE(c.category_group_id, ''), l.category_id,
			l.posting_month, l.is_included, l.amount_to_post,
			p.amount_posted, p.old_amount_budgeted, p.new_amount_budgeted,
			l.category_amount, l.category_extra_amount, l.category_adjusted_amount, l.category_adj_amount_per_paycheck
		FROM auto_run_locked l
		JOIN auto_runs r ON r.run_id = l.run_id
		LEFT JOIN categories c ON c.user_id = r.user_id AND c.budget_id = r.budget_id AND c.category_id = l.category_id
		LEFT JOIN past_automation_results p ON p.run_id = l.run_id AND p.category_id = l.category_id AND p.posting_month = l.posting_month
		WHERE r.user_id = ? AND r.budget_id = ? AND r.is_complete = 0 AND r.is_locked = 1
		ORDER BY l.run_id, l.category_id, l.posting_month`, userID, budgetID)
	if err != nil {
		return core.AutoRunData{}, storeErr("get auto run data", err)
	}
	data.RunCategories = append(toggles, locked...)

	if data.PastRuns, err = r.queryRuns(ctx, `
		SELECT run_id, user_id, budget_id, run_time, is_locked FROM auto_runs
		WHERE user_id = ? AND budget_id = ? AND is_complete = 1
		ORDER BY run_time DESC
		LIMIT ?`, userID, budgetID, PastRunHistory); err != nil {
		return core.AutoRunData{}, storeErr("get auto run data", err)
	}
	if len(data.PastRuns) == 0 {
		return data, nil
	}

	data.PastRunCategories, err = r.queryRunCategories(ctx, `
		SELECT p.run_id, COALESCE(c.guid, ''), COALESCE(c.category_group_id, ''), p.category_id,
			p.posting_month, 1, p.amount_posted,
			p.amount_posted, p.old_amount_budgeted, p.new_amount_budgeted,
			p.category_amount, p.category_extra_amount, p.category_adjusted_amount, p.category_adj_amount_per_paycheck
		FROM past_automation_results p
		JOIN auto_runs r ON r.run_id = p.run_id
		LEFT JOIN categories c ON c.user_id = r.user_id AND c.budget_id = r.budget_id AND c.category_id = p.category_id
		WHERE r.run_id IN (
			SELECT run_id FROM auto_runs
			WHERE user_id = ? AND budget_id = ? AND is_complete = 1
			ORDER BY run_time DESC LIMIT ?)
		ORDER BY r.run_time DESC, p.category_id, p.posting_month`, userID, budgetID, PastRunHistory)
	if err != nil {
		return core.AutoRunData{}, storeErr("get auto run data", err)
	}
	return data, nil
}

func (r *SQLiteRepository) queryRuns(ctx context.Context, query string, args ...any) ([]core.AutoRunRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AutoRunRecord
	for rows.Next() {
		var (
			rec     core.AutoRunRecord
			runTime string
		)
		if err := rows.Scan(&rec.RunID, &rec.UserID, &rec.BudgetID, &runTime, &rec.IsLocked); err != nil {
			return nil, err
		}
		if rec.RunTime, err = parseTime(runTime); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) queryRunCategories(ctx context.Context, query string, args ...any) ([]core.AutoRunCategoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AutoRunCategoryRecord
	for rows.Next() {
		var (
			rec   core.AutoRunCategoryRecord
			month string
		)
		if err := rows.Scan(&rec.RunID, &rec.CategoryGUID, &rec.CategoryGroupID, &rec.CategoryID,
			&month, &rec.IsIncluded, &rec.AmountToPost,
			&rec.AmountPosted, &rec.OldAmountBudgeted, &rec.NewAmountBudgeted,
			&rec.CategoryAmount, &rec.CategoryExtraAmount, &rec.CategoryAdjustedAmount, &rec.CategoryAdjAmountPerPaycheck); err != nil {
			return nil, err
		}
		if rec.PostingMonth, err = core.ParseMonth(month); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveAutoRunDetails stores the user's toggles on their open unlocked run,
// creating the run when none exists. It returns the run id.
func (r *SQLiteRepository) SaveAutoRunDetails(ctx context.Context, userID, budgetID string, runTime time.Time, toggles []core.CategoryToggle) (string, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	var runID string

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT run_id FROM auto_runs
			WHERE user_id = ? AND budget_id = ? AND is_complete = 0 AND is_locked = 0
			ORDER BY run_time LIMIT 1`, userID, budgetID).Scan(&runID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if runTime.IsZero() {
				return &core.ValidationError{Field: "run_time", Reason: "is required for a new run"}
			}
			runID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO auto_runs (run_id, user_id, budget_id, run_time) VALUES (?, ?, ?, ?)`,
				runID, userID, budgetID, formatTime(runTime)); err != nil {
				return fmt.Errorf("insert run: %w", err)
			}
		case err != nil:
			return err
		case !runTime.IsZero():
			if _, err := tx.ExecContext(ctx, `UPDATE auto_runs SET run_time = ? WHERE run_id = ?`,
				formatTime(runTime), runID); err != nil {
				return fmt.Errorf("update run time: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM auto_run_toggles WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("clear toggles: %w", err)
		}
		for _, t := range toggles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO auto_run_toggles (run_id, category_guid, posting_month, is_included)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(run_id, category_guid, posting_month) DO UPDATE SET is_included = excluded.is_included`,
				runID, t.CategoryGUID, core.FormatMonth(t.PostingMonth), t.Included); err != nil {
				return fmt.Errorf("insert toggle: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", storeErr("save auto run details", err)
	}
	return runID, nil
}

// GetAutoRunsToLock returns unlocked, incomplete runs scheduled at or before before.
func (r *SQLiteRepository) GetAutoRunsToLock(ctx context.Context, before time.Time) ([]core.AutoRunToLock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.run_id, r.user_id, r.budget_id, r.run_time, u.pay_frequency, u.next_paydate
		FROM auto_runs r
		JOIN users u ON u.user_id = r.user_id
		WHERE r.is_locked = 0 AND r.is_complete = 0 AND r.run_time <= ?
		ORDER BY r.run_time`, formatTime(before))
	if err != nil {
		return nil, storeErr("get auto runs to lock", err)
	}
	defer rows.Close()

	var out []core.AutoRunToLock
	for rows.Next() {
		var (
			a                core.AutoRunToLock
			runTime, paydate string
			freq             string
		)
		if err := rows.Scan(&a.RunID, &a.UserID, &a.BudgetID, &runTime, &freq, &paydate); err != nil {
			return nil, storeErr("get auto runs to lock", err)
		}
		a.PayFrequency = core.PayFrequency(freq)
		if a.RunTime, err = parseTime(runTime); err != nil {
			return nil, storeErr("get auto runs to lock", err)
		}
		if a.NextPaydate, err = parseTime(paydate); err != nil {
			return nil, storeErr("get auto runs to lock", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get auto runs to lock", err)
	}
	return out, nil
}

// LockAutoRuns writes the snapshot for a run and marks it locked in one
// transaction. Rows already present are left untouched.
func (r *SQLiteRepository) LockAutoRuns(ctx context.Context, runID string, rows []core.LockedResult) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO auto_run_locked (run_id, category_id, posting_month, amount_to_post, is_included,
				category_amount, category_extra_amount, category_adjusted_amount, category_adj_amount_per_paycheck)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, category_id, posting_month) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range rows {
			if row.RunID != runID {
				return fmt.Errorf("snapshot row for run %s in lock of run %s", row.RunID, runID)
			}
			if _, err := stmt.ExecContext(ctx, runID, core.NormalizeID(row.CategoryID), core.FormatMonth(row.PostingMonth),
				core.Round2(row.AmountToPost), row.IsIncluded,
				row.CategoryAmount, row.CategoryExtraAmount, row.CategoryAdjustedAmount, row.CategoryAdjAmountPerPaycheck); err != nil {
				return fmt.Errorf("insert snapshot row: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `UPDATE auto_runs SET is_locked = 1 WHERE run_id = ? AND is_complete = 0`, runID)
		return mustAffect(res, err)
	})
	return storeErr("lock auto runs", err)
}

// GetLockedAutoRuns returns the snapshot rows of locked, due runs that have
// not been posted yet. A due run with nothing left to post yields a single
// row with an empty CategoryID so it can still be cleaned up.
func (r *SQLiteRepository) GetLockedAutoRuns(ctx context.Context, now time.Time) ([]core.LockedRunRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.run_id, r.user_id, u.email, r.budget_id, r.run_time, u.pay_frequency,
			l.category_id, l.posting_month, l.amount_to_post, l.is_included,
			l.category_amount, l.category_extra_amount, l.category_adjusted_amount, l.category_adj_amount_per_paycheck,
			COALESCE(c.guid, ''), COALESCE(c.category_group_id, '')
		FROM auto_runs r
		JOIN users u ON u.user_id = r.user_id
		LEFT JOIN auto_run_locked l ON l.run_id = r.run_id
			AND NOT EXISTS (
				SELECT 1 FROM past_automation_results p
				WHERE p.run_id = l.run_id AND p.category_id = l.category_id AND p.posting_month = l.posting_month)
		LEFT JOIN categories c ON c.user_id = r.user_id AND c.budget_id = r.budget_id AND c.category_id = l.category_id
		WHERE r.is_locked = 1 AND r.is_complete = 0 AND r.run_time <= ?
		ORDER BY r.run_time, r.run_id, l.category_id, l.posting_month`, formatTime(now))
	if err != nil {
		return nil, storeErr("get locked auto runs", err)
	}
	defer rows.Close()

	var out []core.LockedRunRow
	for rows.Next() {
		var (
			lr                          core.LockedRunRow
			runTime, freq               string
			categoryID, month           sql.NullString
			included                    sql.NullBool
			toPost, amt, extra, adj, pp decimal.NullDecimal
		)
		if err := rows.Scan(&lr.RunID, &lr.UserID, &lr.UserEmail, &lr.BudgetID, &runTime, &freq,
			&categoryID, &month, &toPost, &included, &amt, &extra, &adj, &pp,
			&lr.CategoryGUID, &lr.CategoryGroupID); err != nil {
			return nil, storeErr("get locked auto runs", err)
		}
		lr.PayFrequency = core.PayFrequency(freq)
		if lr.RunTime, err = parseTime(runTime); err != nil {
			return nil, storeErr("get locked auto runs", err)
		}
		if categoryID.Valid {
			lr.CategoryID = categoryID.String
			if lr.PostingMonth, err = core.ParseMonth(month.String); err != nil {
				return nil, storeErr("get locked auto runs", err)
			}
			lr.AmountToPost = toPost.Decimal
			lr.IsIncluded = included.Bool
			lr.CategoryAmount = amt.Decimal
			lr.CategoryExtraAmount = extra.Decimal
			lr.CategoryAdjustedAmount = adj.Decimal
			lr.CategoryAdjAmountPerPaycheck = pp.Decimal
		}
		out = append(out, lr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get locked auto runs", err)
	}
	return out, nil
}

// AppendPastAutomationResult records one executed posting. Recording the same
// posting twice keeps the first row.
func (r *SQLiteRepository) AppendPastAutomationResult(ctx context.Context, p core.PastAutomationResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO past_automation_results (run_id, category_id, posting_month,
			category_amount, category_extra_amount, category_adjusted_amount, category_adj_amount_per_paycheck,
			old_amount_budgeted, amount_posted, new_amount_budgeted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, category_id, posting_month) DO NOTHING`,
		p.RunID, core.NormalizeID(p.CategoryID), core.FormatMonth(p.PostingMonth),
		p.CategoryAmount, p.CategoryExtraAmount, p.CategoryAdjustedAmount, p.CategoryAdjAmountPerPaycheck,
		core.Round2(p.OldAmountBudgeted), core.Round2(p.AmountPosted), core.Round2(p.NewAmountBudgeted),
		formatTime(r.now()))
	return storeErr("append past automation result", err)
}

// CleanupAutomationRun completes a run, moves the owner's next paydate to
// nextRunTime and opens the following run there.
func (r *SQLiteRepository) CleanupAutomationRun(ctx context.Context, runID string, nextRunTime time.Time) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var userID, budgetID string
		err := tx.QueryRowContext(ctx, `SELECT user_id, budget_id FROM auto_runs WHERE run_id = ?`, runID).Scan(&userID, &budgetID)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE auto_runs SET is_complete = 1, is_locked = 1 WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM auto_run_toggles WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("clear toggles: %w", err)
		}
		if nextRunTime.IsZero() {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE users SET next_paydate = ? WHERE user_id = ?`,
			formatTime(nextRunTime), userID); err != nil {
			return fmt.Errorf("advance paydate: %w", err)
		}
		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM auto_runs
			WHERE user_id = ? AND budget_id = ? AND is_complete = 0 AND is_locked = 0`,
			userID, budgetID).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auto_runs (run_id, user_id, budget_id, run_time) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), userID, budgetID, formatTime(nextRunTime)); err != nil {
			return fmt.Errorf("schedule next run: %w", err)
		}
		return nil
	})
	return storeErr("cleanup automation run", err)
}

// CancelAutomationRuns withdraws every not-yet-executed row of the user's
// incomplete runs. Runs that already posted something are closed instead of
// deleted so their history survives.
func (r *SQLiteRepository) CancelAutomationRuns(ctx context.Context, userID, budgetID string) error {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM auto_run_toggles WHERE run_id IN (
				SELECT run_id FROM auto_runs WHERE user_id = ? AND budget_id = ? AND is_complete = 0)`,
			`DELETE FROM auto_run_locked WHERE run_id IN (
				SELECT run_id FROM auto_runs WHERE user_id = ? AND budget_id = ? AND is_complete = 0)
				AND NOT EXISTS (
					SELECT 1 FROM past_automation_results p
					WHERE p.run_id = auto_run_locked.run_id
						AND p.category_id = auto_run_locked.category_id
						AND p.posting_month = auto_run_locked.posting_month)`,
			`UPDATE auto_runs SET is_complete = 1 WHERE user_id = ? AND budget_id = ? AND is_complete = 0
				AND EXISTS (SELECT 1 FROM past_automation_results p WHERE p.run_id = auto_runs.run_id)`,
			`DELETE FROM auto_runs WHERE user_id = ? AND budget_id = ? AND is_complete = 0`,
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s, userID, budgetID); err != nil {
				return err
			}
		}
		return nil
	})
	return storeErr("cancel automation runs", err)
}

// --- audit ---

func (r *SQLiteRepository) AppendAuditLog(ctx context.Context, e core.AuditEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, budget_id, run_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		core.NormalizeID(e.UserID), core.NormalizeID(e.BudgetID), e.RunID, e.Action, e.Details, formatTime(created))
	return storeErr("append audit log", err)
}

// AuditLog returns a user's audit entries, newest first.
func (r *SQLiteRepository) AuditLog(ctx context.Context, userID string, limit int) ([]core.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, budget_id, run_id, action, details, created_at FROM audit_log
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`, core.NormalizeID(userID), limit)
	if err != nil {
		return nil, storeErr("audit log", err)
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		var (
			e       core.AuditEntry
			created string
		)
		if err := rows.Scan(&e.UserID, &e.BudgetID, &e.RunID, &e.Action, &e.Details, &created); err != nil {
			return nil, storeErr("audit log", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, storeErr("audit log", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("audit log", err)
	}
	return out, nil
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
