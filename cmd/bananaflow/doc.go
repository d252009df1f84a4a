// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 BananaFlow 服务端程序入口。

# 概述

cmd/bananaflow 组装全部组件并对外提供 HTTP API：数据库（GORM）、
可选的 Redis、额度账本、连接预设管理、换 Key 重试编排器、
提示词优化器与生成服务。另提供数据库迁移、健康检查和版本查询子命令。

# 核心类型

  - Server      - 主服务器，管理组件生命周期、API 与 Metrics 双端口及优雅关闭
  - Middleware  - HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/reset/steps/goto/force/version/status/info）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger、
    Metrics、CORS、Identity（JWT 或可信网关头）、RateLimiter（按用户或 IP）
  - 配置热重载：Watcher 监听配置文件，新增的预设和变更的提示词即时生效
  - 优雅关闭：停止 HTTP → 账本落盘 → 关闭编排器、Redis、数据库 → 关闭 OTel
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
