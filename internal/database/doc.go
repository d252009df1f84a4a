// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开额度账本与预设存储所在的数据库，并管理连接池。

Open 按 config.DatabaseConfig 的驱动选择 gorm Dialector：postgres、
mysql、sqlite（纯 Go，默认）与 sqlite3（cgo），开启 auto_migrate 时
对传入的模型执行 AutoMigrate。PoolManager 负责连接池参数、后台
健康检查、连接数上报与带重试的事务执行。
*/
package database
