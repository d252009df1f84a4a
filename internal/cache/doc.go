// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，为 key 状态缓存、群组限流和模型列表
缓存提供共享的 Redis 连接。

# 核心类型

  - Manager：持有 Redis 客户端，提供带前缀的 Get/Set/GetJSON/SetJSON/Delete，
    后台定时 Ping，Close 后所有操作返回 ErrClosed。
  - Config：地址、密码、连接池、默认 TTL、TLS 与健康检查间隔。
  - HitRecorder：可选的命中率回调，由 metrics.Collector 实现。

未命中统一返回 ErrCacheMiss，可用 IsCacheMiss 判断。
*/
package cache
