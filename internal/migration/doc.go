// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理额度账本与预设存储的表结构，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

SQL 文件按方言内嵌在 migrations/{postgres,mysql,sqlite} 下：

  - 000001_quota_ledger：bf_quota_balances、bf_quota_checkins、bf_quota_daily_usage
  - 000002_presets：bf_presets、bf_preset_keys、bf_prompt_presets、bf_settings

DefaultMigrator 实现 Migrator 接口（Up/Down/DownAll/Steps/Goto/Force/
Version/Status/Info）。CLI 负责命令行输出，Run 按子命令名分发，
供 bananaflow migrate 使用。开发环境可以直接依赖 database.Open 的
AutoMigrate，生产环境建议关闭 auto_migrate 并使用本包。
*/
package migration
