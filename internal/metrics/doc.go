// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、上游图像接口、生成结果、缓存与数据库。

# 核心类型

  - Collector：指标收集器，同时实现编排器的 Recorder
    (RecordAttempt/RecordCooldown) 与生成服务的 Recorder
    (RecordGeneration)。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 上游指标：每次调用按 backend/preset/result 计数与计时，Key 冷却按错误类型计数。
  - 生成指标：按预设与结果计数，成功扣费累计到 quota_spent_total。
  - 缓存指标：命中与未命中计数。
  - 数据库指标：连接数 Gauge、查询耗时 Histogram。
*/
package metrics
