// Package config 提供 BananaFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 (BANANAFLOW_*) 的顺序加载，
// Watcher 在配置文件变更后重新加载并通知订阅者。
package config
