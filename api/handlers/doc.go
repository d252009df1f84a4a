// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 BananaFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现生图、连接预设、Key 管理、提示词预设、额度与健康检查
等 HTTP 端点。所有 Handler 均遵循标准 net/http 接口，路径参数通过
Go 1.22 的 r.PathValue 读取，调用方身份由鉴权中间件写入 context。

# 核心类型

  - GenerationHandler - POST /api/v1/images/generations
  - PresetHandler     - 连接预设 CRUD、Key 列表/探测/增删、模型列表（带缓存）
  - PromptHandler     - 提示词预设与变量说明
  - QuotaHandler      - 余额、签到、管理员调额、每日排行
  - HealthHandler     - /health、/ready、/version
  - Response          - 统一 JSON 响应结构（success + data + error + timestamp + request_id）
  - ErrorInfo         - 结构化错误信息，code 即 types.ErrorKind

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteErrorData 辅助函数
  - 请求验证：DecodeJSONBody（大小限制 + 严格模式 + validator 标签校验）
  - ErrorKind → HTTP 状态码映射
  - 可扩展健康检查：关键依赖失败返回 503，非关键依赖失败标记 degraded
*/
package handlers
