package tenantschema

import "github.com/smallbiznis/tenancy/pkg/db"

var demoSeed = map[string][]string{
	db.TypePostgres: {
		`INSERT INTO settings (key, value) VALUES ('company.name', 'Demo Company'), ('company.currency', 'USD'), ('company.timezone', 'UTC') ON CONFLICT (key) DO NOTHING`,
		`INSERT INTO accounts (code, name, type) VALUES ('1000', 'Cash', 'asset'), ('1100', 'Accounts Receivable', 'asset'), ('2000', 'Accounts Payable', 'liability'), ('4000', 'Revenue', 'income'), ('6000', 'Salaries', 'expense') ON CONFLICT (code) DO NOTHING`,
		`INSERT INTO employees (employee_code, first_name, last_name, email, department, position, hired_on) VALUES ('EMP-0001', 'Avery', 'Stone', 'avery@demo.test', 'Finance', 'Controller', '2023-01-09'), ('EMP-0002', 'Riley', 'Park', 'riley@demo.test', 'People', 'HR Generalist', '2023-04-17') ON CONFLICT (employee_code) DO NOTHING`,
	},
	db.TypeMySQL: {
		"INSERT IGNORE INTO settings (`key`, value) VALUES ('company.name', 'Demo Company'), ('company.currency', 'USD'), ('company.timezone', 'UTC')",
		"INSERT IGNORE INTO accounts (code, name, type) VALUES ('1000', 'Cash', 'asset'), ('1100', 'Accounts Receivable', 'asset'), ('2000', 'Accounts Payable', 'liability'), ('4000', 'Revenue', 'income'), ('6000', 'Salaries', 'expense')",
		"INSERT IGNORE INTO employees (employee_code, first_name, last_name, email, department, position, hired_on) VALUES ('EMP-0001', 'Avery', 'Stone', 'avery@demo.test', 'Finance', 'Controller', '2023-01-09'), ('EMP-0002', 'Riley', 'Park', 'riley@demo.test', 'People', 'HR Generalist', '2023-04-17')",
	},
}
